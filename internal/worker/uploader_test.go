package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/storage"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"github.com/fabriziosalmi/rainwal/pkg/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMalformed = errors.New("MalformedXML: the request was rejected")

func TestUploader_KeyDerivation(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store)

	seg := writeSegment(t, t.TempDir(), "000000010000000A00000001", "segment",
		time.Date(2024, 11, 14, 13, 37, 0, 0, time.UTC))

	res, err := u.Archive(context.Background(), seg)
	require.NoError(t, err)

	assert.Equal(t, "wal_backups/2024-11-14/000000010000000A00000001", res.Key)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, store.has(res.Key))
}

func TestUploader_UploadTimePartition(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store)
	u.uploadTime = true
	u.now = func() time.Time { return time.Date(2024, 11, 14, 23, 59, 0, 0, time.UTC) }

	seg := writeSegment(t, t.TempDir(), "000000010000000A00000001", "segment",
		time.Date(2024, 11, 10, 8, 0, 0, 0, time.UTC))

	res, err := u.Archive(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, "wal_backups/2024-11-14/000000010000000A00000001", res.Key)
}

func TestUploader_StoresChecksum(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store)
	seg := writeSegment(t, t.TempDir(), segName(1), "wal bytes", time.Now())

	res, err := u.Archive(context.Background(), seg)
	require.NoError(t, err)

	assert.Equal(t, checksum.Sum([]byte("wal bytes")), res.SHA256)
	assert.Equal(t, res.SHA256, store.objects[res.Key].meta[storage.MetaSHA256])
	assert.Equal(t, "wal bytes", string(store.objects[res.Key].data))
	assert.EqualValues(t, 9, res.Size)
}

func TestUploader_RetryBudget_SucceedsOnLastAttempt(t *testing.T) {
	store := newMemStore()
	store.putErr = func(_ string, call int) error {
		if call < 3 {
			return storage.ErrUnavailable
		}
		return nil
	}
	u, timer := newTestUploader(store)
	seg := writeSegment(t, t.TempDir(), segName(1), "payload", time.Now())

	res, err := u.Archive(context.Background(), seg)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, store.putCount(res.Key))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, timer.pauses())
	assert.Equal(t, "payload", string(store.objects[res.Key].data), "body is rewound between attempts")
}

func TestUploader_RetryBudget_Exhausted(t *testing.T) {
	store := newMemStore()
	store.failAlways(storage.ErrUnavailable)
	u, _ := newTestUploader(store)
	seg := writeSegment(t, t.TempDir(), segName(1), "payload", time.Now())

	res, err := u.Archive(context.Background(), seg)
	require.Error(t, err)

	var ae *ArchiveError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, Connectivity, ae.Class)
	assert.Equal(t, 3, ae.Attempts)
	assert.Equal(t, 3, store.putCount(res.Key))
	assert.False(t, store.has(res.Key))
}

func TestUploader_NonTransientFailsImmediately(t *testing.T) {
	store := newMemStore()
	store.failAlways(errMalformed)
	u, timer := newTestUploader(store)
	seg := writeSegment(t, t.TempDir(), segName(1), "payload", time.Now())

	res, err := u.Archive(context.Background(), seg)
	require.Error(t, err)

	assert.Equal(t, RemoteRejection, ClassOf(err))
	assert.ErrorIs(t, err, errMalformed)
	assert.Equal(t, 1, store.putCount(res.Key))
	assert.Empty(t, timer.pauses())
}

func TestUploader_MissingSource(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store)

	_, err := u.Archive(context.Background(), wal.Segment{
		Name: segName(1),
		Path: filepath.Join(t.TempDir(), segName(1)),
	})
	require.Error(t, err)
	assert.Equal(t, LocalResource, ClassOf(err))
	assert.Empty(t, store.keys())
}

func TestUploader_RejectsPathLikeNames(t *testing.T) {
	u, _ := newTestUploader(newMemStore())
	_, err := u.Archive(context.Background(), wal.Segment{Name: "../etc", Path: "/etc/passwd"})
	assert.ErrorIs(t, err, wal.ErrInvalidName)
}

func TestUploader_CancelledContext(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store)
	seg := writeSegment(t, t.TempDir(), segName(1), "payload", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Archive(ctx, seg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.keys())
}
