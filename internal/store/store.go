// Package store implements the filesystem layer of the cache: key to
// location mapping, the entry wire format, and atomic file operations.
// It is the only package that touches the filesystem directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
)

// ErrNotExist is returned when reading a location that has no entry.
var ErrNotExist = errors.New("entry does not exist")

// tempDirName holds in-flight writes before their atomic rename into place.
const tempDirName = ".tmp"

// Store provides atomic filesystem operations over a root directory.
// It uses core.FS for filesystem abstraction, supporting both OS and
// in-memory filesystems. All locations are relative to the root.
type Store struct {
	fs      core.FS
	root    string
	tempDir string
}

// New creates a store rooted at root, creating the root and its temp
// directory as needed.
func New(fsys core.FS, root string) (*Store, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if root == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	tempDir := path.Join(root, tempDirName)
	if err := fsys.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &Store{fs: fsys, root: root, tempDir: tempDir}, nil
}

// FS returns the underlying filesystem. Sibling components (lock markers)
// need direct access for exclusive-create semantics.
func (s *Store) FS() core.FS {
	return s.fs
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// WriteAtomic writes data to the location atomically: the bytes go to a
// uniquely named temp sibling first and are renamed into place, so a reader
// never observes a partially written entry and a crash mid-write leaves the
// previous version intact.
func (s *Store) WriteAtomic(ctx context.Context, loc string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	full := s.join(loc)
	if err := s.fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", path.Dir(full), err)
	}

	temp := path.Join(s.tempDir, path.Base(full)+"-"+uuid.NewString()+".tmp")
	if err := s.fs.WriteFile(temp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(temp, full); err != nil {
		_ = s.fs.Remove(temp)
		return fmt.Errorf("failed to rename temp file to %q: %w", full, err)
	}
	return nil
}

// Read returns the bytes at the location, or ErrNotExist when absent.
func (s *Store) Read(ctx context.Context, loc string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	data, err := s.fs.ReadFile(s.join(loc))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to read %q: %w", loc, err)
	}
	return data, nil
}

// Delete removes the entry at the location. Deleting a missing location is
// a no-op, not an error.
func (s *Store) Delete(ctx context.Context, loc string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	if err := s.fs.Remove(s.join(loc)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %q: %w", loc, err)
	}
	return nil
}

// Exists reports whether the location holds an entry.
func (s *Store) Exists(ctx context.Context, loc string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context cancelled: %w", err)
	}

	exists, err := s.fs.Exists(s.join(loc))
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %q: %w", loc, err)
	}
	return exists, nil
}

// List returns the entry locations directly under dir, relative to the store
// root. Reserved names (dot-prefixed: temp, tag, and lock artifacts) and
// subdirectories are skipped. A missing directory yields an empty list, and
// entries deleted concurrently by another process simply stop appearing.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	full := s.join(dir)
	exists, err := s.fs.Exists(full)
	if err != nil {
		return nil, fmt.Errorf("failed to check directory existence: %w", err)
	}
	if !exists {
		return nil, nil
	}

	entries, err := s.fs.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %q: %w", full, err)
	}

	var locs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		locs = append(locs, path.Join(dir, name))
	}
	return locs, nil
}

// Size returns the total on-disk size of the entry files directly under dir.
func (s *Store) Size(ctx context.Context, dir string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}

	full := s.join(dir)
	exists, err := s.fs.Exists(full)
	if err != nil {
		return 0, fmt.Errorf("failed to check directory existence: %w", err)
	}
	if !exists {
		return 0, nil
	}

	entries, err := s.fs.ReadDir(full)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory %q: %w", full, err)
	}

	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// RemoveDir removes dir and everything beneath it. A missing directory is
// not an error.
func (s *Store) RemoveDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	if err := s.fs.RemoveAll(s.join(dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove directory %q: %w", dir, err)
	}
	return nil
}

func (s *Store) join(loc string) string {
	return path.Join(s.root, loc)
}
