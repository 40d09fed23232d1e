package storage

import (
	"context"
	"io"
	"time"
)

// MaxDeleteBatch is the bulk-delete limit of S3-compatible stores.
const MaxDeleteBatch = 1000

// MetaSHA256 is the object metadata key carrying the hex SHA-256 of the body.
const MetaSHA256 = "sha256"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Backend defines the interface for segment archive stores.
type Backend interface {
	// Put stores body under key. A Put either fully succeeds or the object
	// must be treated as absent.
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error

	// Get opens an object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// List calls fn with successive pages of objects whose key starts with prefix.
	List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error

	// DeleteBatch removes up to MaxDeleteBatch objects.
	DeleteBatch(ctx context.Context, keys []string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Provider returns the name of the storage provider (e.g., "s3", "fs").
	Provider() string
}
