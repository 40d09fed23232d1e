// Package fallback implements the local durable holding area for segments
// that could not be uploaded. A file present in the queue directory means
// "not yet confirmed remote"; a badger index alongside it records enqueue
// order so the queue can be drained first-in first-out.
//
// The index directory lock also guarantees that only one archiver instance
// works on a given fallback directory at a time.
package fallback

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fabriziosalmi/rainwal/internal/wal"
	"go.uber.org/zap"
)

// Mode selects how a segment enters the queue.
type Mode int

const (
	// ModeCopy leaves the source in place (archive-command hook: the source
	// belongs to the database).
	ModeCopy Mode = iota
	// ModeMove takes ownership of the source file (daemon mode).
	ModeMove
)

func (m Mode) String() string {
	if m == ModeMove {
		return "move"
	}
	return "copy"
}

const (
	indexDir  = ".index"
	tmpPrefix = ".incoming-"

	keySeqPrefix  = "seq/"
	keyNamePrefix = "name/"
	keyNextSeq    = "meta/next_seq"
)

// Record is one queued segment.
type Record struct {
	Seq        uint64    `json:"seq"`
	Name       string    `json:"name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ModTime    time.Time `json:"mod_time"`
	Size       int64     `json:"size"`
	Path       string    `json:"-"`
}

// Segment returns the queued copy as a wal.Segment.
func (r Record) Segment() wal.Segment {
	return wal.Segment{Name: r.Name, Path: r.Path, Size: r.Size, ModTime: r.ModTime}
}

// Stats summarises the backlog.
type Stats struct {
	Depth  int
	Oldest time.Time // zero when empty
}

// Queue is the fallback directory plus its FIFO index.
type Queue struct {
	dir string
	db  *badger.DB
	log *zap.Logger
	now func() time.Time
	mu  sync.Mutex
}

// indexOptions tunes badger for a small, fsync-heavy index. The memtable
// must stay large enough that badger's max batch size (15% of it) covers
// the value threshold, or Open is rejected.
func indexOptions(dir string) badger.Options {
	return badger.DefaultOptions(filepath.Join(dir, indexDir)).
		WithLogger(nil).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueThreshold(1 << 10).
		WithValueLogFileSize(8 << 20).
		WithBlockCacheSize(1 << 20)
}

// Open creates dir with owner-only permissions if needed, opens the index
// and, once its directory lock is held, removes leftovers of interrupted
// copies.
func Open(dir string, log *zap.Logger) (*Queue, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("fallback: create dir: %w", err)
		}
		// MkdirAll is subject to umask
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, fmt.Errorf("fallback: chmod dir: %w", err)
		}
		log.Info("created local fallback directory", zap.String("dir", dir))
	} else if err != nil {
		return nil, fmt.Errorf("fallback: stat dir: %w", err)
	}

	db, err := badger.Open(indexOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("fallback: open index (is another archiver running?): %w", err)
	}

	// temp files of a live holder are only ours to remove with the lock held
	if err := removeStaleTemps(dir, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Queue{dir: dir, db: db, log: log, now: time.Now}, nil
}

func removeStaleTemps(dir string, log *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("fallback: read dir: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("fallback: remove stale temp: %w", err)
		}
		log.Warn("removed partial fallback copy", zap.String("file", e.Name()))
	}
	return nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Close releases the index and its directory lock.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably places the segment at srcPath into the queue under name.
// When it returns nil the segment survives a crash; any error means it was
// not queued and the source is untouched.
func (q *Queue) Enqueue(ctx context.Context, srcPath, name string, mode Mode) error {
	if err := wal.ValidName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	fi, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("fallback: stat source: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("fallback: source %s is not a regular file", srcPath)
	}

	dst := filepath.Join(q.dir, name)
	switch mode {
	case ModeMove:
		err = q.move(srcPath, dst, fi)
	default:
		err = q.copy(srcPath, dst, fi)
	}
	if err != nil {
		return err
	}

	if _, err := q.register(name, fi.ModTime(), fi.Size()); err != nil {
		// The file is durable; List adopts unindexed files.
		q.log.Error("fallback index update failed, segment will be adopted on next listing",
			zap.String("segment", name), zap.Error(err))
	}
	return nil
}

func (q *Queue) move(src, dst string, fi os.FileInfo) error {
	err := os.Rename(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		if err := q.copy(src, dst, fi); err != nil {
			return err
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("fallback: remove source after copy: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("fallback: move: %w", err)
	}
	if err := os.Chmod(dst, 0o600); err != nil {
		return fmt.Errorf("fallback: chmod: %w", err)
	}
	return syncDir(q.dir)
}

// copy writes through a hidden temp file so a crash never leaves a
// half-copied segment under its real name.
func (q *Queue) copy(src, dst string, fi os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fallback: open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(q.dir, tmpPrefix+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("fallback: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after rename

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("fallback: copy: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("fallback: chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fallback: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fallback: close temp: %w", err)
	}
	// the partition date of a drained segment comes from its mtime
	if err := os.Chtimes(tmpName, fi.ModTime(), fi.ModTime()); err != nil {
		return fmt.Errorf("fallback: preserve mtime: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("fallback: rename: %w", err)
	}
	return syncDir(q.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fallback: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fallback: sync dir: %w", err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keySeqPrefix, seq))
}

func nameKey(name string) []byte {
	return []byte(keyNamePrefix + name)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// register indexes name. A name already queued keeps its position.
func (q *Queue) register(name string, modTime time.Time, size int64) (Record, error) {
	rec := Record{Name: name, ModTime: modTime, Size: size, EnqueuedAt: q.now()}
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(name))
		switch {
		case err == nil:
			var raw []byte
			if raw, err = item.ValueCopy(nil); err != nil {
				return err
			}
			rec.Seq = binary.BigEndian.Uint64(raw)
			if old, err := getRecord(txn, rec.Seq); err == nil {
				rec.EnqueuedAt = old.EnqueuedAt
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			if rec.Seq, err = nextSeq(txn); err != nil {
				return err
			}
			if err := txn.Set(nameKey(name), encodeSeq(rec.Seq)); err != nil {
				return err
			}
		default:
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(seqKey(rec.Seq), data)
	})
	return rec, err
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64 = 1
	item, err := txn.Get([]byte(keyNextSeq))
	switch {
	case err == nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		seq = binary.BigEndian.Uint64(raw)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	if err := txn.Set([]byte(keyNextSeq), encodeSeq(seq+1)); err != nil {
		return 0, err
	}
	return seq, nil
}

func getRecord(txn *badger.Txn, seq uint64) (Record, error) {
	var rec Record
	item, err := txn.Get(seqKey(seq))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (q *Queue) indexed() ([]Record, error) {
	var out []Record
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keySeqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				q.log.Warn("fallback: skipping corrupt index entry",
					zap.ByteString("key", it.Item().KeyCopy(nil)), zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fallback: read index: %w", err)
	}
	return out, nil
}

func (q *Queue) unindex(rec Record) error {
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(seqKey(rec.Seq)); err != nil {
			return err
		}
		return txn.Delete(nameKey(rec.Name))
	})
}

// List returns queued segments in enqueue order. The index is reconciled
// with the directory: entries whose file is gone are dropped and files the
// index does not know (crash between rename and index write, or files placed
// by an operator) are appended in modification-time order.
func (q *Queue) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recs, err := q.indexed()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(recs))
	known := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		p := filepath.Join(q.dir, rec.Name)
		fi, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			q.log.Warn("fallback index entry without file, dropping", zap.String("segment", rec.Name))
			if err := q.unindex(rec); err != nil {
				return nil, fmt.Errorf("fallback: drop stale entry: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fallback: stat %s: %w", rec.Name, err)
		}
		rec.Path = p
		rec.ModTime = fi.ModTime()
		rec.Size = fi.Size()
		out = append(out, rec)
		known[rec.Name] = struct{}{}
	}

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("fallback: read dir: %w", err)
	}
	var orphans []os.FileInfo
	for _, e := range entries {
		if _, ok := known[e.Name()]; ok || !e.Type().IsRegular() || wal.ValidName(e.Name()) != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		orphans = append(orphans, fi)
	}
	sort.Slice(orphans, func(i, j int) bool {
		if !orphans[i].ModTime().Equal(orphans[j].ModTime()) {
			return orphans[i].ModTime().Before(orphans[j].ModTime())
		}
		return orphans[i].Name() < orphans[j].Name()
	})

	for _, fi := range orphans {
		rec, err := q.register(fi.Name(), fi.ModTime(), fi.Size())
		if err != nil {
			return nil, fmt.Errorf("fallback: adopt %s: %w", fi.Name(), err)
		}
		q.log.Info("adopted unindexed fallback file", zap.String("segment", fi.Name()))
		rec.Path = filepath.Join(q.dir, rec.Name)
		out = append(out, rec)
	}
	return out, nil
}

// Contains reports whether name is currently queued.
func (q *Queue) Contains(name string) bool {
	_, err := os.Stat(filepath.Join(q.dir, name))
	return err == nil
}

// Remove deletes a queued segment. Call only after a confirmed remote write.
func (q *Queue) Remove(name string) error {
	if err := wal.ValidName(name); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fallback: remove %s: %w", name, err)
	}
	if err := syncDir(q.dir); err != nil {
		return err
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(seqKey(binary.BigEndian.Uint64(raw))); err != nil {
			return err
		}
		return txn.Delete(nameKey(name))
	})
	if err != nil {
		// stale entries are dropped by List
		q.log.Warn("fallback index cleanup failed", zap.String("segment", name), zap.Error(err))
	}
	return nil
}

// Stats reports queue depth and the oldest enqueue time.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	recs, err := q.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Depth: len(recs)}
	for _, r := range recs {
		if s.Oldest.IsZero() || r.EnqueuedAt.Before(s.Oldest) {
			s.Oldest = r.EnqueuedAt
		}
	}
	return s, nil
}

// Inspect summarises the queue directory without opening the index, so it
// works while another process holds the queue. Enqueue times live in the
// index; Oldest is therefore the oldest segment modification time.
func Inspect(dir string) (Stats, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("fallback: read dir: %w", err)
	}
	var s Stats
	for _, e := range entries {
		if !e.Type().IsRegular() || wal.ValidName(e.Name()) != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		s.Depth++
		if s.Oldest.IsZero() || fi.ModTime().Before(s.Oldest) {
			s.Oldest = fi.ModTime()
		}
	}
	return s, nil
}
