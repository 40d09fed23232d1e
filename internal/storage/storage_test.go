package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentKey(t *testing.T) {
	day := time.Date(2024, 11, 14, 23, 59, 0, 0, time.Local)
	assert.Equal(t,
		"wal_backups/2024-11-14/000000010000000A00000001",
		SegmentKey("wal_backups", day, "000000010000000A00000001"))
	assert.Equal(t,
		"clusterA/wal_backups/psqld3/2024-11-14/seg",
		SegmentKey("/clusterA/wal_backups/psqld3/", day, "seg"))
}

func TestPartitionToken(t *testing.T) {
	cases := []struct {
		base, key string
		token     string
		ok        bool
	}{
		{"wal_backups", "wal_backups/2024-11-14/seg", "2024-11-14", true},
		{"wal_backups", "wal_backups/not-a-date/seg", "not-a-date", true},
		{"clusterA/wal_backups/psqld3", "clusterA/wal_backups/psqld3/2024-01-02/seg", "2024-01-02", true},
		{"wal_backups", "wal_backups/seg", "", false},
		{"wal_backups", "wal_backups/2024-11-14/", "", false},
		{"wal_backups", "other/2024-11-14/seg", "", false},
		{"wal_backups", "wal_backups2/2024-11-14/seg", "", false},
	}
	for _, c := range cases {
		token, ok := PartitionToken(c.base, c.key)
		assert.Equal(t, c.ok, ok, c.key)
		assert.Equal(t, c.token, token, c.key)
	}
}

func TestParsePartition(t *testing.T) {
	d, err := ParsePartition("2024-02-29", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	for _, bad := range []string{"2023-02-29", "20241114", "latest", "2024-13-01"} {
		_, err := ParsePartition(bad, time.UTC)
		assert.Error(t, err, bad)
	}
}

type fakeStatusErr struct{ code int }

func (e *fakeStatusErr) Error() string       { return fmt.Sprintf("http %d", e.code) }
func (e *fakeStatusErr) HTTPStatusCode() int { return e.code }

func TestIsTransient(t *testing.T) {
	transient := []error{
		ErrUnavailable,
		fmt.Errorf("wrapped: %w", ErrUnavailable),
		context.DeadlineExceeded,
		&smithyhttp.RequestSendError{Err: errors.New("dial tcp: connection refused")},
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
		fmt.Errorf("put: %w", syscall.ECONNRESET),
		&smithy.GenericAPIError{Code: "SlowDown"},
		&smithy.GenericAPIError{Code: "InvalidAccessKeyId"},
		&fakeStatusErr{code: 503},
		&fakeStatusErr{code: 429},
	}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "%v", err)
	}

	permanent := []error{
		nil,
		context.Canceled,
		errors.New("malformed request"),
		&smithy.GenericAPIError{Code: "NoSuchBucket"},
		&fakeStatusErr{code: 400},
		&fakeStatusErr{code: 404},
		os.ErrPermission,
	}
	for _, err := range permanent {
		assert.False(t, IsTransient(err), "%v", err)
	}
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	key := "wal_backups/2024-11-14/000000010000000A00000001"
	body := []byte("segment-bytes")

	require.NoError(t, store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), map[string]string{MetaSHA256: "abc"}))

	rc, info, err := store.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, got)
	assert.EqualValues(t, len(body), info.Size)
	assert.Equal(t, "abc", info.Metadata[MetaSHA256])

	var keys []string
	require.NoError(t, store.List(ctx, "wal_backups/", func(page []ObjectInfo) error {
		for _, o := range page {
			keys = append(keys, o.Key)
		}
		return nil
	}))
	assert.Equal(t, []string{key}, keys, "metadata sidecars must not be listed")

	require.NoError(t, store.DeleteBatch(ctx, []string{key, "wal_backups/2024-11-14/missing"}))
	_, _, err = store.Get(ctx, key)
	assert.Error(t, err)
}

func TestFSStore_ListPaging(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 1005; i++ {
		key := fmt.Sprintf("wal_backups/2024-01-01/%024d", i)
		require.NoError(t, store.Put(ctx, key, bytes.NewReader(nil), 0, nil))
	}

	var pages []int
	require.NoError(t, store.List(ctx, "wal_backups/2024-01-01/", func(page []ObjectInfo) error {
		pages = append(pages, len(page))
		return nil
	}))
	assert.Equal(t, []int{1000, 5}, pages)

	var none int
	require.NoError(t, store.List(ctx, "wal_backups/2099-01-01/", func(page []ObjectInfo) error {
		none += len(page)
		return nil
	}))
	assert.Zero(t, none)
}

func TestFSStore_MissingRootIsUnavailable(t *testing.T) {
	store, err := NewFSStore(filepath.Join(t.TempDir(), "unmounted"))
	require.NoError(t, err)

	err = store.Put(context.Background(), "wal_backups/2024-01-01/x", bytes.NewReader([]byte("x")), 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../escape", bytes.NewReader(nil), 0, nil)
	assert.Error(t, err)
}

func TestMultiStore_Failover(t *testing.T) {
	ctx := context.Background()
	down, err := NewFSStore(filepath.Join(t.TempDir(), "down"))
	require.NoError(t, err)
	up, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	m := NewMultiStore(down, up)
	key := "wal_backups/2024-01-01/seg"
	require.NoError(t, m.Put(ctx, key, bytes.NewReader([]byte("data")), 4, nil))

	rc, _, err := m.Get(ctx, key)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(data))

	all := NewMultiStore(down)
	err = all.Put(ctx, key, bytes.NewReader([]byte("data")), 4, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "all providers failed")
}

// rejectingStore answers every write with a non-retryable refusal.
type rejectingStore struct {
	Backend
}

func (rejectingStore) Provider() string { return "rejecting" }

func (rejectingStore) Put(context.Context, string, io.ReadSeeker, int64, map[string]string) error {
	return errors.New("quota exceeded")
}

func TestMultiStore_PutKeepsPrimaryConnectivityError(t *testing.T) {
	down, err := NewFSStore(filepath.Join(t.TempDir(), "down"))
	require.NoError(t, err)

	m := NewMultiStore(down, rejectingStore{})
	err = m.Put(context.Background(), "wal_backups/2024-01-01/seg", bytes.NewReader([]byte("data")), 4, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestMultiStore_ListMergesProviders(t *testing.T) {
	ctx := context.Background()
	a, _ := NewFSStore(t.TempDir())
	b, _ := NewFSStore(t.TempDir())
	require.NoError(t, a.Put(ctx, "wal_backups/2024-01-01/1", bytes.NewReader(nil), 0, nil))
	require.NoError(t, b.Put(ctx, "wal_backups/2024-01-01/1", bytes.NewReader(nil), 0, nil))
	require.NoError(t, b.Put(ctx, "wal_backups/2024-01-01/2", bytes.NewReader(nil), 0, nil))

	var keys []string
	require.NoError(t, NewMultiStore(a, b).List(ctx, "wal_backups/", func(page []ObjectInfo) error {
		for _, o := range page {
			keys = append(keys, o.Key)
		}
		return nil
	}))
	assert.Equal(t, []string{"wal_backups/2024-01-01/1", "wal_backups/2024-01-01/2"}, keys)
}
