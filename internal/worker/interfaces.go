package worker

import (
	"context"

	"github.com/fabriziosalmi/rainwal/internal/fallback"
)

// Interfaces for dependency injection to allow testing.

// FallbackQueue is the durable local holding area used when the store is down.
type FallbackQueue interface {
	Enqueue(ctx context.Context, srcPath, name string, mode fallback.Mode) error
	List(ctx context.Context) ([]fallback.Record, error)
	Remove(name string) error
	Contains(name string) bool
	Stats(ctx context.Context) (fallback.Stats, error)
}
