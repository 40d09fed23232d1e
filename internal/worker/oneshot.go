package worker

import (
	"context"
	"errors"

	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/fabriziosalmi/rainwal/internal/metrics"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"go.uber.org/zap"
)

// OneShot archives a single segment on behalf of the database's archive hook.
type OneShot struct {
	uploader      *Uploader
	queue         FallbackQueue
	drainer       *Drainer
	pruner        *Pruner
	retentionDays int
	pruneAfter    bool
	log           *zap.Logger
}

func NewOneShot(uploader *Uploader, queue FallbackQueue, drainer *Drainer, pruner *Pruner, retentionDays int, pruneAfter bool, log *zap.Logger) *OneShot {
	return &OneShot{
		uploader:      uploader,
		queue:         queue,
		drainer:       drainer,
		pruner:        pruner,
		retentionDays: retentionDays,
		pruneAfter:    pruneAfter,
		log:           log,
	}
}

// Run returns nil when the segment is archived or durably queued; the caller
// may then recycle it. Any error means neither happened.
func (o *OneShot) Run(ctx context.Context, path, name string) error {
	seg, err := wal.Stat(path, name)
	if err != nil {
		o.log.Error("segment not readable", zap.String("segment", name), zap.String("class", LocalResource.String()), zap.Error(err))
		return &ArchiveError{Segment: name, Class: LocalResource, Err: err}
	}

	if _, err := o.uploader.Archive(ctx, seg); err != nil {
		return o.fallback(ctx, seg, err)
	}

	// connectivity is confirmed good, clear the backlog
	if res, err := o.drainer.Drain(ctx); err != nil {
		o.log.Warn("opportunistic drain failed", zap.Int("remaining", len(res.Remaining)), zap.Error(err))
	}
	if o.pruneAfter {
		if _, err := o.pruner.Prune(ctx, o.retentionDays); err != nil {
			o.log.Warn("retention pass failed", zap.Error(err))
		}
	}
	return nil
}

func (o *OneShot) fallback(ctx context.Context, seg wal.Segment, uploadErr error) error {
	// the local copy is atomic and must not be abandoned on shutdown
	if err := o.queue.Enqueue(context.WithoutCancel(ctx), seg.Path, seg.Name, fallback.ModeCopy); err != nil {
		metrics.RecordEnqueue(false)
		o.log.Error("segment could be neither uploaded nor queued",
			zap.String("segment", seg.Name),
			zap.String("class", LocalResource.String()),
			zap.Error(err),
		)
		return &ArchiveError{Segment: seg.Name, Class: LocalResource, Err: errors.Join(uploadErr, err)}
	}
	metrics.RecordEnqueue(true)
	o.log.Warn("segment queued locally for later upload",
		zap.String("segment", seg.Name),
		zap.String("class", ClassOf(uploadErr).String()),
	)
	return nil
}
