package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/storage"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"github.com/fabriziosalmi/rainwal/pkg/checksum"
	"go.uber.org/zap"
)

// ErrNotArchived is returned when no partition holds the requested segment.
var ErrNotArchived = errors.New("segment not found in archive")

// Restorer fetches archived segments back to local disk.
type Restorer struct {
	store storage.Backend
	base  string
	log   *zap.Logger
}

func NewRestorer(store storage.Backend, base string, log *zap.Logger) *Restorer {
	return &Restorer{store: store, base: base, log: log}
}

// Locate returns the key of name in the newest partition that holds it.
func (r *Restorer) Locate(ctx context.Context, name string) (string, error) {
	if err := wal.ValidName(name); err != nil {
		return "", err
	}

	var newest string
	err := r.store.List(ctx, storage.BasePrefix(r.base), func(page []storage.ObjectInfo) error {
		for _, obj := range page {
			token, ok := storage.PartitionToken(r.base, obj.Key)
			if !ok || obj.Key != storage.PartitionPrefix(r.base, token)+name {
				continue
			}
			if _, err := storage.ParsePartition(token, time.UTC); err != nil {
				continue
			}
			if newest == "" || obj.Key > newest {
				newest = obj.Key
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("restore: list: %w", err)
	}
	if newest == "" {
		return "", fmt.Errorf("%w: %s", ErrNotArchived, name)
	}
	return newest, nil
}

// Restore writes the archived segment name to dest. dest appears only once
// the content is complete and matches its recorded checksum.
func (r *Restorer) Restore(ctx context.Context, name, dest string) (string, error) {
	key, err := r.Locate(ctx, name)
	if err != nil {
		return "", err
	}

	body, info, err := r.store.Get(ctx, key)
	if err != nil {
		return key, fmt.Errorf("restore: get %s: %w", key, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".rainwal-restore-*")
	if err != nil {
		return key, fmt.Errorf("restore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after rename

	sum, n, err := checksum.Reader(io.TeeReader(body, tmp))
	if err != nil {
		tmp.Close()
		return key, fmt.Errorf("restore: download %s: %w", key, err)
	}
	if want := info.Metadata[storage.MetaSHA256]; want != "" {
		if err := checksum.Match(sum, want); err != nil {
			tmp.Close()
			r.log.Error("archived segment failed integrity check",
				zap.String("segment", name),
				zap.String("key", key),
				zap.String("expected_sha256", want),
				zap.String("computed_sha256", sum),
			)
			return key, fmt.Errorf("restore: %s: %w", key, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return key, fmt.Errorf("restore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return key, fmt.Errorf("restore: close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return key, fmt.Errorf("restore: rename: %w", err)
	}

	r.log.Info("segment restored", zap.String("segment", name), zap.String("key", key), zap.Int64("bytes", n))
	return key, nil
}
