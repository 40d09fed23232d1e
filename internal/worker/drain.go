package worker

import (
	"context"
	"fmt"

	"github.com/fabriziosalmi/rainwal/internal/metrics"
	"go.uber.org/zap"
)

// DrainResult lists what a drain pass uploaded and what it left queued.
type DrainResult struct {
	Uploaded  []string
	Remaining []string
}

// Drainer re-uploads queued segments in enqueue order.
type Drainer struct {
	queue    FallbackQueue
	uploader *Uploader
	log      *zap.Logger
}

func NewDrainer(queue FallbackQueue, uploader *Uploader, log *zap.Logger) *Drainer {
	return &Drainer{queue: queue, uploader: uploader, log: log}
}

// Drain uploads queued segments oldest first and stops at the first failure,
// leaving that entry and every later one in the queue. A local copy is
// removed only after its upload is confirmed. Once started, an entry's upload
// runs to completion even if ctx is cancelled; no new entry starts afterwards.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	recs, err := d.queue.List(ctx)
	if err != nil {
		return res, &ArchiveError{Class: LocalResource, Err: fmt.Errorf("list fallback queue: %w", err)}
	}
	if len(recs) == 0 {
		return res, nil
	}

	d.log.Info("draining fallback queue", zap.Int("depth", len(recs)))

	remaining := func(from int) []string {
		out := make([]string, 0, len(recs)-from)
		for _, r := range recs[from:] {
			out = append(out, r.Name)
		}
		return out
	}

	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			res.Remaining = remaining(i)
			return res, err
		}

		if _, err := d.uploader.archive(context.WithoutCancel(ctx), rec.Segment(), rec.ModTime, metrics.SourceFallback); err != nil {
			res.Remaining = remaining(i)
			d.log.Warn("drain aborted, store still failing",
				zap.String("segment", rec.Name),
				zap.Int("uploaded", len(res.Uploaded)),
				zap.Int("remaining", len(res.Remaining)),
				zap.String("class", ClassOf(err).String()),
			)
			return res, err
		}

		if err := d.queue.Remove(rec.Name); err != nil {
			res.Remaining = remaining(i)
			d.log.Error("uploaded segment could not be removed from fallback queue",
				zap.String("segment", rec.Name),
				zap.String("class", LocalResource.String()),
				zap.Error(err),
			)
			return res, &ArchiveError{Segment: rec.Name, Class: LocalResource, Err: err}
		}
		res.Uploaded = append(res.Uploaded, rec.Name)
	}

	d.log.Info("fallback queue drained", zap.Int("uploaded", len(res.Uploaded)))
	return res, nil
}
