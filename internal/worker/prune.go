package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/metrics"
	"github.com/fabriziosalmi/rainwal/internal/storage"
	"go.uber.org/zap"
)

// PruneResult reports what a retention pass removed.
type PruneResult struct {
	DeletedPartitions []string
	DeletedObjects    int
	// Skipped holds partition names that are not dates; they are never deleted.
	Skipped []string
}

// Pruner removes whole date partitions that have aged past retention.
type Pruner struct {
	store storage.Backend
	base  string
	loc   *time.Location
	now   func() time.Time
	log   *zap.Logger
}

func NewPruner(store storage.Backend, base string, loc *time.Location, log *zap.Logger) *Pruner {
	if loc == nil {
		loc = time.Local
	}
	return &Pruner{store: store, base: base, loc: loc, now: time.Now, log: log}
}

// Cutoff returns now minus maxAgeDays in the partition time zone. A
// partition is expired when its midnight lies strictly before it, so the
// partition dated exactly maxAgeDays ago goes as soon as that day has begun.
func (p *Pruner) Cutoff(maxAgeDays int) time.Time {
	return p.now().In(p.loc).AddDate(0, 0, -maxAgeDays)
}

// Prune deletes every partition dated strictly before Cutoff(maxAgeDays).
// maxAgeDays <= 0 disables retention. A failure on one partition does not
// stop the others; all failures are returned joined.
func (p *Pruner) Prune(ctx context.Context, maxAgeDays int) (PruneResult, error) {
	var res PruneResult
	if maxAgeDays <= 0 {
		p.log.Debug("retention disabled")
		return res, nil
	}
	cutoff := p.Cutoff(maxAgeDays)

	partitions := make(map[string][]string)
	err := p.store.List(ctx, storage.BasePrefix(p.base), func(page []storage.ObjectInfo) error {
		for _, obj := range page {
			token, ok := storage.PartitionToken(p.base, obj.Key)
			if !ok {
				continue
			}
			partitions[token] = append(partitions[token], obj.Key)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("prune: list %s: %w", storage.BasePrefix(p.base), err)
	}

	tokens := make([]string, 0, len(partitions))
	for token := range partitions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var errs []error
	for _, token := range tokens {
		day, err := storage.ParsePartition(token, p.loc)
		if err != nil {
			p.log.Warn("skipping partition with unparsable date",
				zap.String("partition", token),
				zap.String("class", PartitionParse.String()),
				zap.Error(err),
			)
			res.Skipped = append(res.Skipped, token)
			continue
		}
		if !day.Before(cutoff) {
			continue
		}

		n, err := p.deletePartition(ctx, partitions[token])
		res.DeletedObjects += n
		if err != nil {
			p.log.Error("partition delete failed",
				zap.String("partition", token),
				zap.Int("deleted", n),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("prune: partition %s: %w", token, err))
			continue
		}
		res.DeletedPartitions = append(res.DeletedPartitions, token)
		p.log.Info("partition pruned", zap.String("partition", token), zap.Int("objects", n))
	}

	metrics.RecordPrune(len(res.DeletedPartitions), res.DeletedObjects, len(res.Skipped))
	p.log.Info("retention pass complete",
		zap.Int("max_age_days", maxAgeDays),
		zap.Time("cutoff", cutoff),
		zap.Int("partitions", len(res.DeletedPartitions)),
		zap.Int("objects", res.DeletedObjects),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, errors.Join(errs...)
}

func (p *Pruner) deletePartition(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += storage.MaxDeleteBatch {
		end := start + storage.MaxDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := p.store.DeleteBatch(ctx, keys[start:end]); err != nil {
			return deleted, err
		}
		deleted += end - start
	}
	return deleted, nil
}
