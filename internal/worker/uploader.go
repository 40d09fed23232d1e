package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/config"
	"github.com/fabriziosalmi/rainwal/internal/metrics"
	"github.com/fabriziosalmi/rainwal/internal/retry"
	"github.com/fabriziosalmi/rainwal/internal/storage"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"github.com/fabriziosalmi/rainwal/pkg/checksum"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result describes a confirmed remote write.
type Result struct {
	Key      string
	Attempts int
	SHA256   string
	Size     int64
}

// Uploader writes single segments to the object store under their
// date-partitioned key.
type Uploader struct {
	store          storage.Backend
	base           string
	policy         retry.Policy
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	uploadTime     bool
	loc            *time.Location
	now            func() time.Time
	log            *zap.Logger
}

func NewUploader(store storage.Backend, cfg config.ArchiveConfig, log *zap.Logger) *Uploader {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	loc := time.Local
	if cfg.PartitionUTC {
		loc = time.UTC
	}
	return &Uploader{
		store: store,
		base:  cfg.BaseFolder,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Delay:       cfg.RetryDelay,
			Exponential: cfg.Exponential,
			MaxDelay:    cfg.MaxRetryDelay,
		},
		attemptTimeout: cfg.AttemptTimeout,
		limiter:        limiter,
		uploadTime:     cfg.PartitionSource == config.PartitionFromUpload,
		loc:            loc,
		now:            time.Now,
		log:            log,
	}
}

// Location is the time zone partition dates are computed in.
func (u *Uploader) Location() *time.Location { return u.loc }

// Archive uploads seg. The partition date is the segment's modification
// time, or the current time when the uploader is configured for it.
func (u *Uploader) Archive(ctx context.Context, seg wal.Segment) (Result, error) {
	at := seg.ModTime
	if u.uploadTime || at.IsZero() {
		at = u.now()
	}
	return u.archive(ctx, seg, at, metrics.SourceDirect)
}

// ArchiveAt uploads seg into the partition of t.
func (u *Uploader) ArchiveAt(ctx context.Context, seg wal.Segment, t time.Time) (Result, error) {
	return u.archive(ctx, seg, t, metrics.SourceDirect)
}

func (u *Uploader) archive(ctx context.Context, seg wal.Segment, t time.Time, source string) (Result, error) {
	log := u.log.With(zap.String("segment", seg.Name), zap.String("source", source))

	if err := wal.ValidName(seg.Name); err != nil {
		return Result{}, &ArchiveError{Segment: seg.Name, Class: LocalResource, Err: err}
	}

	f, err := os.Open(seg.Path)
	if err != nil {
		log.Error("cannot open segment", zap.String("class", LocalResource.String()), zap.Error(err))
		return Result{}, &ArchiveError{Segment: seg.Name, Class: LocalResource, Err: fmt.Errorf("open: %w", err)}
	}
	defer f.Close()

	sum, size, err := checksum.Reader(f)
	if err != nil {
		log.Error("cannot read segment", zap.String("class", LocalResource.String()), zap.Error(err))
		return Result{}, &ArchiveError{Segment: seg.Name, Class: LocalResource, Err: err}
	}

	key := storage.SegmentKey(u.base, t.In(u.loc), seg.Name)
	log = log.With(zap.String("key", key))
	meta := map[string]string{storage.MetaSHA256: sum}

	attempts, err := u.policy.Do(ctx, func(attempt int) error {
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind segment: %w", err)
		}
		actx := ctx
		if u.attemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, u.attemptTimeout)
			defer cancel()
		}
		return u.store.Put(actx, key, f, size, meta)
	}, storage.IsTransient, func(err error, attempt int, next time.Duration) {
		log.Warn("upload attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", u.policy.MaxAttempts),
			zap.String("class", Connectivity.String()),
			zap.Duration("next_in", next),
			zap.Error(err),
		)
	})

	metrics.RecordUpload(source, err == nil, attempts, u.now())

	if err != nil {
		class := RemoteRejection
		if storage.IsTransient(err) {
			class = Connectivity
		}
		log.Error("upload failed",
			zap.Int("attempt", attempts),
			zap.String("class", class.String()),
			zap.Error(err),
		)
		return Result{Key: key, Attempts: attempts, SHA256: sum, Size: size},
			&ArchiveError{Segment: seg.Name, Class: class, Attempts: attempts, Err: err}
	}

	log.Info("segment archived",
		zap.Int("attempt", attempts),
		zap.Int64("bytes", size),
		zap.String("provider", u.store.Provider()),
	)
	return Result{Key: key, Attempts: attempts, SHA256: sum, Size: size}, nil
}
