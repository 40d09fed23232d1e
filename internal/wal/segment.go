// Package wal models write-ahead-log segments as seen by the archiver:
// immutable files identified by a fixed-length, monotonically ordered name.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidName is returned for names that cannot be used as a key component.
var ErrInvalidName = errors.New("wal: invalid segment name")

// Segment is a locally resident log segment. The archiver never mutates it.
type Segment struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ValidName reports whether name is usable as both a file name and a key component.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Stat builds a Segment from a file on disk.
func Stat(path, name string) (Segment, error) {
	if err := ValidName(name); err != nil {
		return Segment{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Segment{}, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return Segment{}, fmt.Errorf("wal: %s is not a regular file", path)
	}
	return Segment{
		Name:    name,
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}

// Matcher implements the segment naming convention of a source directory.
// Zero values disable the corresponding check.
type Matcher struct {
	Prefix string
	Suffix string
	Length int
}

func (m Matcher) Match(name string) bool {
	if ValidName(name) != nil {
		return false
	}
	if m.Prefix != "" && !strings.HasPrefix(name, m.Prefix) {
		return false
	}
	if m.Suffix != "" && !strings.HasSuffix(name, m.Suffix) {
		return false
	}
	if m.Length > 0 && len(name) != m.Length {
		return false
	}
	return true
}

// Scan returns eligible regular files in dir, ordered by name.
func Scan(dir string, m Matcher) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}

	var out []Segment
	for _, e := range entries {
		if !e.Type().IsRegular() || !m.Match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("wal: stat %s: %w", e.Name(), err)
		}
		out = append(out, Segment{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
