package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/api/middleware"
	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/labstack/echo/v4"
)

// QueueInspector is the read side of the fallback queue.
type QueueInspector interface {
	List(ctx context.Context) ([]fallback.Record, error)
	Stats(ctx context.Context) (fallback.Stats, error)
}

// Pinger checks object store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
	Provider() string
}

type Handlers struct {
	queue   QueueInspector
	store   Pinger
	maxAge  time.Duration
	version string
	now     func() time.Time
}

// NewHandlers builds the status handlers. A backlog older than maxAge makes
// the archiver unhealthy; maxAge <= 0 disables the check.
func NewHandlers(queue QueueInspector, store Pinger, maxAge time.Duration, version string) *Handlers {
	return &Handlers{
		queue:   queue,
		store:   store,
		maxAge:  maxAge,
		version: version,
		now:     time.Now,
	}
}

// ── Error helpers ─────────────────────────────────────────────────────────────

type errResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ReqID   string `json:"request_id,omitempty"`
}

func apiErr(c echo.Context, code int, msg string) error {
	reqID, _ := c.Get(middleware.ContextKeyRequestID).(string)
	return c.JSON(code, errResponse{Code: code, Message: msg, ReqID: reqID})
}

// ── Health ────────────────────────────────────────────────────────────────────

type depStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type queueStatus struct {
	Depth            int     `json:"depth"`
	OldestAgeSeconds float64 `json:"oldest_age_seconds"`
	Stale            bool    `json:"stale"`
}

type healthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Deps    map[string]depStatus `json:"deps"`
	Queue   queueStatus          `json:"queue"`
}

// Health reports 503 when the fallback queue cannot be read or its oldest
// entry has waited longer than the threshold. An unreachable store alone
// only degrades the status: queuing locally is the expected behaviour then.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Version: h.version, Deps: map[string]depStatus{}}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		resp.Deps[h.store.Provider()] = depStatus{Status: "error", Error: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Deps[h.store.Provider()] = depStatus{Status: "ok"}
	}

	st, err := h.queue.Stats(ctx)
	if err != nil {
		resp.Deps["fallback_queue"] = depStatus{Status: "error", Error: err.Error()}
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Deps["fallback_queue"] = depStatus{Status: "ok"}
	resp.Queue.Depth = st.Depth
	if st.Depth > 0 && !st.Oldest.IsZero() {
		age := h.now().Sub(st.Oldest)
		resp.Queue.OldestAgeSeconds = age.Seconds()
		if h.maxAge > 0 && age > h.maxAge {
			resp.Queue.Stale = true
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	return c.JSON(code, resp)
}

// ── Queue ─────────────────────────────────────────────────────────────────────

type queueResponse struct {
	Depth   int               `json:"depth"`
	Entries []fallback.Record `json:"entries"`
}

// Queue lists the segments waiting for upload, oldest first.
func (h *Handlers) Queue(c echo.Context) error {
	recs, err := h.queue.List(c.Request().Context())
	if err != nil {
		return apiErr(c, http.StatusInternalServerError, "read fallback queue: "+err.Error())
	}
	if recs == nil {
		recs = []fallback.Record{}
	}
	return c.JSON(http.StatusOK, queueResponse{Depth: len(recs), Entries: recs})
}
