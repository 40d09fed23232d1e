package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/config"
	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/fabriziosalmi/rainwal/internal/storage"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory storage.Backend with failure injection.
type memStore struct {
	mu            sync.Mutex
	objects       map[string]memObject
	puts          map[string]int
	putOrder      []string
	deleteBatches []int
	listCalls     int

	// putErr is consulted before each PUT with the 1-based call count for key.
	putErr    func(key string, call int) error
	deleteErr func(keys []string) error
	onList    func()
}

type memObject struct {
	data []byte
	meta map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]memObject{}, puts: map[string]int{}}
}

func (s *memStore) Provider() string { return "mem" }

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Put(ctx context.Context, key string, body io.ReadSeeker, _ int64, metadata map[string]string) error {
	s.mu.Lock()
	s.puts[key]++
	call := s.puts[key]
	s.putOrder = append(s.putOrder, key)
	fn := s.putErr
	s.mu.Unlock()

	if fn != nil {
		if err := fn(key, call); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: data, meta: meta}
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ObjectInfo{}, fmt.Errorf("key not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)),
		storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), Metadata: obj.meta}, nil
}

func (s *memStore) List(_ context.Context, prefix string, fn func([]storage.ObjectInfo) error) error {
	s.mu.Lock()
	s.listCalls++
	hook := s.onList
	var page []storage.ObjectInfo
	for _, k := range s.keysLocked() {
		if strings.HasPrefix(k, prefix) {
			page = append(page, storage.ObjectInfo{Key: k, Size: int64(len(s.objects[k].data))})
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	for len(page) > 0 {
		n := len(page)
		if n > storage.MaxDeleteBatch {
			n = storage.MaxDeleteBatch
		}
		if err := fn(page[:n]); err != nil {
			return err
		}
		page = page[n:]
	}
	return nil
}

func (s *memStore) DeleteBatch(_ context.Context, keys []string) error {
	if len(keys) > storage.MaxDeleteBatch {
		return fmt.Errorf("batch of %d exceeds limit", len(keys))
	}
	if s.deleteErr != nil {
		if err := s.deleteErr(keys); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteBatches = append(s.deleteBatches, len(keys))
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *memStore) keysLocked() []string {
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked()
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *memStore) seed(key string, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: []byte(data)}
}

// failAlways makes every PUT fail with err.
func (s *memStore) failAlways(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = func(string, int) error { return err }
}

func (s *memStore) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = nil
}

var fired = func() chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// instantTimer fires immediately and records the requested pauses.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays = append(t.delays, d)
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return fired }

func (t *instantTimer) pauses() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

func testArchiveConfig() config.ArchiveConfig {
	return config.ArchiveConfig{
		BaseFolder:      "wal_backups",
		PartitionSource: config.PartitionFromModTime,
		PartitionUTC:    true,
		MaxAttempts:     3,
		RetryDelay:      5 * time.Second,
	}
}

func newTestUploader(store storage.Backend) (*Uploader, *instantTimer) {
	u := NewUploader(store, testArchiveConfig(), zap.NewNop())
	timer := &instantTimer{}
	u.policy.Timer = timer
	return u, timer
}

func openQueue(t *testing.T) *fallback.Queue {
	t.Helper()
	q, err := fallback.Open(filepath.Join(t.TempDir(), "fallback"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// writeSegment creates a segment file with the given modification time.
func writeSegment(t *testing.T, dir, name, content string, mtime time.Time) wal.Segment {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	seg, err := wal.Stat(p, name)
	require.NoError(t, err)
	return seg
}

func segName(n int) string {
	return fmt.Sprintf("00000001000000000000%04X", n)
}

// mockQueue simulates the fallback queue.
type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, srcPath, name string, mode fallback.Mode) error {
	args := m.Called(ctx, srcPath, name, mode)
	return args.Error(0)
}

func (m *mockQueue) List(ctx context.Context) ([]fallback.Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fallback.Record), args.Error(1)
}

func (m *mockQueue) Remove(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *mockQueue) Contains(name string) bool {
	args := m.Called(name)
	return args.Bool(0)
}

func (m *mockQueue) Stats(ctx context.Context) (fallback.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(fallback.Stats), args.Error(1)
}

// mockNotifier records alerts.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendAlert(ctx context.Context, source, severity, message string) error {
	args := m.Called(ctx, source, severity, message)
	return args.Error(0)
}
