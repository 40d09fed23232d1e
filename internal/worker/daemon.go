package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/config"
	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/fabriziosalmi/rainwal/internal/metrics"
	"github.com/fabriziosalmi/rainwal/internal/notifications"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CycleResult summarises one daemon iteration.
type CycleResult struct {
	ID       string
	Drain    DrainResult
	Uploaded []string
	Queued   []string
	// Failed segments stay in the source directory for the next cycle.
	Failed []string
	Prune  PruneResult
}

// Daemon owns a source directory: it drains the backlog, uploads new
// segments through a bounded pool, removes them once archived and prunes
// expired partitions, once per interval.
type Daemon struct {
	uploader *Uploader
	queue    FallbackQueue
	drainer  *Drainer
	pruner   *Pruner
	notifier notifications.Notifier

	sourceDir     string
	matcher       wal.Matcher
	interval      time.Duration
	concurrency   int
	retentionDays int
	alertAfter    time.Duration
	alertRepeat   time.Duration
	host          string

	// last stale-backlog alert; zero while the backlog is healthy
	alertedAt    time.Time
	alertedDepth int

	now func() time.Time
	log *zap.Logger
}

func NewDaemon(cfg *config.Config, uploader *Uploader, queue FallbackQueue, drainer *Drainer, pruner *Pruner, notifier notifications.Notifier, log *zap.Logger) *Daemon {
	host, err := os.Hostname()
	if err != nil {
		host = cfg.App.Name
	}
	return &Daemon{
		uploader:  uploader,
		queue:     queue,
		drainer:   drainer,
		pruner:    pruner,
		notifier:  notifier,
		sourceDir: cfg.Daemon.SourceDir,
		matcher: wal.Matcher{
			Prefix: cfg.Daemon.SegmentPrefix,
			Suffix: cfg.Daemon.SegmentSuffix,
			Length: cfg.Daemon.SegmentLength,
		},
		interval:      cfg.Daemon.Interval,
		concurrency:   cfg.Daemon.Concurrency,
		retentionDays: cfg.Archive.RetentionDays,
		alertAfter:    cfg.Alerts.QueueAgeThreshold,
		alertRepeat:   cfg.Alerts.RepeatInterval,
		host:          host,
		now:           time.Now,
		log:           log,
	}
}

// Run cycles until ctx is cancelled. A failed or panicking cycle is logged
// and the loop continues.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("daemon started",
		zap.String("source_dir", d.sourceDir),
		zap.Duration("interval", d.interval),
		zap.Int("concurrency", d.concurrency),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopped")
			return nil
		case <-timer.C:
			if _, err := d.RunCycle(ctx); err != nil {
				d.log.Error("cycle failed", zap.Error(err))
			}
			timer.Reset(d.interval)
		}
	}
}

// RunCycle performs one iteration. Once a segment has started, it is
// finished (uploaded, or moved into the queue) even if ctx is cancelled.
func (d *Daemon) RunCycle(ctx context.Context) (res CycleResult, err error) {
	res.ID = uuid.NewString()
	log := d.log.With(zap.String("cycle_id", res.ID))
	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %s panicked: %v", res.ID, r)
			log.Error("recovered from panic in daemon cycle", zap.Any("panic", r), zap.Stack("stack"))
		}
		metrics.RecordCycle(d.now().Sub(start), err != nil)
	}()

	var errs []error

	// backlog first
	res.Drain, err = d.drainer.Drain(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	if ctx.Err() == nil {
		if err := d.uploadNew(ctx, log, &res); err != nil {
			errs = append(errs, err)
		}
	}

	if ctx.Err() == nil {
		res.Prune, err = d.pruner.Prune(ctx, d.retentionDays)
		if err != nil {
			errs = append(errs, err)
		}
	}

	d.observeQueue(context.WithoutCancel(ctx), log)

	log.Info("cycle complete",
		zap.Int("drained", len(res.Drain.Uploaded)),
		zap.Int("uploaded", len(res.Uploaded)),
		zap.Int("queued", len(res.Queued)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("pruned_partitions", len(res.Prune.DeletedPartitions)),
		zap.Duration("took", d.now().Sub(start)),
	)
	return res, errors.Join(errs...)
}

func (d *Daemon) uploadNew(ctx context.Context, log *zap.Logger, res *CycleResult) error {
	segs, err := wal.Scan(d.sourceDir, d.matcher)
	if err != nil {
		return &ArchiveError{Class: LocalResource, Err: err}
	}

	// indexed like segs; each goroutine writes only its own slot
	outs := make([]outcome, len(segs))
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, seg := range segs {
		if ctx.Err() != nil {
			break
		}
		if d.queue.Contains(seg.Name) {
			log.Warn("segment already queued, skipping", zap.String("segment", seg.Name))
			continue
		}
		outs[i] = outcomeFailed
		i, seg := i, seg
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("recovered from panic while archiving segment",
						zap.String("segment", seg.Name), zap.Any("panic", r), zap.Stack("stack"))
				}
			}()
			outs[i] = d.upload(context.WithoutCancel(ctx), log, seg)
			return nil
		})
	}
	err = g.Wait()

	// failures enter the queue in WAL order so a drain replays them in order
	for i, seg := range segs {
		switch outs[i] {
		case outcomeUploaded:
			res.Uploaded = append(res.Uploaded, seg.Name)
		case outcomeNotUploaded:
			if d.enqueue(context.WithoutCancel(ctx), log, seg) {
				res.Queued = append(res.Queued, seg.Name)
			} else {
				res.Failed = append(res.Failed, seg.Name)
			}
		case outcomeFailed:
			res.Failed = append(res.Failed, seg.Name)
		}
	}
	return err
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUploaded
	outcomeNotUploaded
	outcomeFailed
)

func (d *Daemon) upload(ctx context.Context, log *zap.Logger, seg wal.Segment) outcome {
	if _, err := d.uploader.Archive(ctx, seg); err != nil {
		return outcomeNotUploaded
	}

	if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// archived; the next cycle re-uploads it to the same key
		log.Error("archived segment could not be removed from source",
			zap.String("segment", seg.Name),
			zap.String("class", LocalResource.String()),
			zap.Error(err),
		)
	}
	return outcomeUploaded
}

// enqueue moves a segment the store did not accept into the fallback queue.
// On failure the segment stays in the source directory.
func (d *Daemon) enqueue(ctx context.Context, log *zap.Logger, seg wal.Segment) bool {
	if err := d.queue.Enqueue(ctx, seg.Path, seg.Name, fallback.ModeMove); err != nil {
		metrics.RecordEnqueue(false)
		log.Error("segment could be neither uploaded nor queued, left in source",
			zap.String("segment", seg.Name),
			zap.String("class", LocalResource.String()),
			zap.Error(err),
		)
		return false
	}
	metrics.RecordEnqueue(true)
	return true
}

func (d *Daemon) observeQueue(ctx context.Context, log *zap.Logger) {
	st, err := d.queue.Stats(ctx)
	if err != nil {
		log.Error("fallback queue stats", zap.Error(err))
		return
	}
	now := d.now()
	metrics.UpdateQueue(st.Depth, st.Oldest, now)

	if d.alertAfter <= 0 || d.notifier == nil {
		return
	}
	var age time.Duration
	if st.Depth > 0 {
		age = now.Sub(st.Oldest)
	}
	if age <= d.alertAfter {
		if !d.alertedAt.IsZero() {
			d.alertedAt, d.alertedDepth = time.Time{}, 0
			msg := fmt.Sprintf("fallback backlog back under %s (%d segment(s) queued)", d.alertAfter, st.Depth)
			if err := d.notifier.SendAlert(ctx, d.host, notifications.SeverityInfo, msg); err != nil {
				log.Warn("backlog recovery notice not delivered", zap.Error(err))
			}
		}
		return
	}

	// repeat only when the backlog doubled or the repeat interval passed
	if !d.alertedAt.IsZero() && st.Depth < 2*d.alertedDepth &&
		(d.alertRepeat <= 0 || now.Sub(d.alertedAt) < d.alertRepeat) {
		return
	}
	msg := fmt.Sprintf("%d segment(s) waiting in the local fallback queue, oldest queued %s ago; the object store has not accepted them",
		st.Depth, age.Truncate(time.Second))
	if err := d.notifier.SendAlert(ctx, d.host, notifications.SeverityCritical, msg); err != nil {
		log.Warn("backlog alert not delivered", zap.Error(err))
		return
	}
	d.alertedAt, d.alertedDepth = now, st.Depth
}
