package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore implements the Backend interface using the local filesystem,
// typically a mounted NFS share used as a secondary archive target.
type FSStore struct {
	root     string
	provider string
}

// NewFSStore creates a new filesystem-based storage backend. The root is not
// created: a missing root usually means the share is not mounted, which is
// reported as ErrUnavailable on use.
func NewFSStore(root string) (*FSStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid root path: %w", err)
	}

	return &FSStore{
		root:     absRoot,
		provider: "filesystem",
	}, nil
}

func (s *FSStore) Provider() string {
	return s.provider
}

func (s *FSStore) Ping(_ context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("%w: root %s: %v", ErrUnavailable, s.root, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storage: root %s is not a directory", s.root)
	}
	return nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+key {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// metaPath is a hidden sidecar holding the object metadata.
func metaPath(fullPath string) string {
	return filepath.Join(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".meta")
}

func (s *FSStore) Put(ctx context.Context, key string, body io.ReadSeeker, _ int64, metadata map[string]string) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	if len(metadata) > 0 {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("storage: marshal metadata: %w", err)
		}
		if err := writeAtomic(dir, metaPath(fullPath), func(w io.Writer) error {
			_, err := w.Write(meta)
			return err
		}); err != nil {
			return err
		}
	}

	return writeAtomic(dir, fullPath, func(w io.Writer) error {
		_, err := io.Copy(w, body)
		return err
	})
}

// writeAtomic writes to a temp file then renames it (same partition).
func writeAtomic(dir, dst string, write func(io.Writer) error) error {
	tmpFile, err := os.CreateTemp(dir, ".rainwal-*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmpFile.Name()
	defer os.Remove(tmpName) // Cleanup (ignored if renamed successfully)

	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("storage: chmod: %w", err)
	}
	if err := write(tmpFile); err != nil {
		tmpFile.Close()
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("storage: sync temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, ObjectInfo{}, err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("storage: key not found: %s: %w", key, err)
		}
		return nil, ObjectInfo{}, fmt.Errorf("storage: open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("storage: stat file: %w", err)
	}

	info := ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}
	if raw, err := os.ReadFile(metaPath(fullPath)); err == nil {
		if err := json.Unmarshal(raw, &info.Metadata); err != nil {
			f.Close()
			return nil, ObjectInfo{}, fmt.Errorf("storage: decode metadata: %w", err)
		}
	}
	return f, info, nil
}

// List walks the directory holding prefix and reports matching files in
// lexical key order, in pages of MaxDeleteBatch.
func (s *FSStore) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	startDir := s.root
	if i := strings.LastIndexByte(prefix, '/'); i > 0 {
		startDir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var page []ObjectInfo
	err := filepath.WalkDir(startDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == startDir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		page = append(page, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		if len(page) == MaxDeleteBatch {
			if err := fn(page); err != nil {
				return err
			}
			page = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

func (s *FSStore) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > MaxDeleteBatch {
		return fmt.Errorf("storage: delete batch of %d exceeds %d", len(keys), MaxDeleteBatch)
	}
	if err := s.Ping(ctx); err != nil {
		return err
	}
	for _, key := range keys {
		fullPath, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: delete file: %w", err)
		}
		_ = os.Remove(metaPath(fullPath))
	}
	return nil
}
