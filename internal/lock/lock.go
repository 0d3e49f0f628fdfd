// Package lock implements advisory, timeout-bound mutual exclusion keyed by
// cache key. Locks are marker files created with O_EXCL, so they are valid
// across independent operating-system processes that share a filesystem,
// not just goroutines within one process.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
)

// marker is the JSON body of a lock file. The holder token lets Release
// distinguish its own marker from one written by a reclaiming process.
type marker struct {
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Timeout    time.Duration `json:"timeout_ns"`
}

// Manager acquires and releases filesystem lock markers under a directory.
// A Manager tracks the holder tokens of the locks it currently owns so that
// Release only removes markers this process still holds.
type Manager struct {
	fs  core.FS
	dir string
	now func() time.Time

	mu   sync.Mutex
	held map[string]string // name -> holder token
}

// NewManager creates a lock manager writing markers under dir.
func NewManager(fsys core.FS, dir string, now func() time.Time) (*Manager, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("lock directory cannot be empty")
	}
	if now == nil {
		now = time.Now
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Manager{fs: fsys, dir: dir, now: now, held: make(map[string]string)}, nil
}

// Acquire attempts to take the lock for name without blocking. It returns
// true when the marker was created. When a marker already exists, its age is
// checked against timeout: a younger marker means another holder is active
// and Acquire returns false; an older one is considered abandoned by a
// crashed holder and is forcibly replaced. Reclamation trades strict mutual
// exclusion for liveness, so a brief double-execution window is possible.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context cancelled: %w", err)
	}

	ok, err := m.tryCreate(name, timeout)
	if err != nil || ok {
		return ok, err
	}

	// Marker exists. Check whether its holder timed out.
	abandoned, err := m.abandoned(name, timeout)
	if err != nil {
		return false, err
	}
	if !abandoned {
		return false, nil
	}

	if err := m.remove(name); err != nil {
		return false, err
	}
	return m.tryCreate(name, timeout)
}

// Release removes the marker for name if this manager still owns it. A
// marker that was reclaimed by another process after timing out is left
// alone; the release is best-effort and never an error in that case.
func (m *Manager) Release(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	m.mu.Lock()
	token, owned := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()
	if !owned {
		return nil
	}

	current, err := m.read(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		// Unreadable marker: assume it is ours and remove it.
		return m.remove(name)
	}
	if current.Holder != token {
		// Reclaimed by someone else while we held it past the timeout.
		return nil
	}
	return m.remove(name)
}

// tryCreate attempts the exclusive create of the marker file.
func (m *Manager) tryCreate(name string, timeout time.Duration) (bool, error) {
	token := uuid.NewString()
	body, err := json.Marshal(marker{
		Holder:     token,
		AcquiredAt: m.now(),
		Timeout:    timeout,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode lock marker: %w", err)
	}

	f, err := m.fs.OpenFile(m.path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock marker: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = m.remove(name)
		return false, fmt.Errorf("failed to write lock marker: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = m.remove(name)
		return false, fmt.Errorf("failed to close lock marker: %w", err)
	}

	m.mu.Lock()
	m.held[name] = token
	m.mu.Unlock()
	return true, nil
}

// abandoned reports whether the current marker for name is older than the
// given timeout. A vanished or unreadable marker counts as abandoned.
func (m *Manager) abandoned(name string, timeout time.Duration) (bool, error) {
	mk, err := m.read(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		// A marker we cannot decode gives no evidence of a live holder.
		return true, nil
	}
	return m.now().Sub(mk.AcquiredAt) >= timeout, nil
}

func (m *Manager) read(name string) (*marker, error) {
	data, err := m.fs.ReadFile(m.path(name))
	if err != nil {
		return nil, err
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("failed to decode lock marker: %w", err)
	}
	return &mk, nil
}

func (m *Manager) remove(name string) error {
	if err := m.fs.Remove(m.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock marker: %w", err)
	}
	return nil
}

func (m *Manager) path(name string) string {
	return path.Join(m.dir, name+".lock")
}
