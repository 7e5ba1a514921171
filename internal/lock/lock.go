// Package lock provides per-object-id locking for internal/object's
// create/update operations, so two local goroutines (or two processes
// sharing a filesystem) never race on the same object's head refs.
// Cross-process safety is backed by github.com/gofrs/flock the same way
// this module's ancestry guards a sync operation with a lock file (see
// DESIGN.md): acquire, operate, release.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Manager hands out per-key locks backed by flock files under dir. A
// Manager is safe for concurrent use; entries are released (their flock
// handle closed and removed from the table) once no in-process goroutine
// holds them, so a long-lived Manager doesn't accumulate one open file
// descriptor per object ever touched.
type Manager struct {
	dir string

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs int
	// mu serializes holders inside this process: every goroutine locking
	// the key shares flock, whose Lock returns at once if already held.
	mu    sync.Mutex
	flock *flock.Flock
}

// NewManager returns a Manager whose lock files live under dir, which
// must already exist.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, entries: make(map[string]*entry)}
}

// Handle represents a held lock on one key; call Release exactly once.
type Handle struct {
	m   *Manager
	key string
}

// Lock blocks until the named key is exclusively held by this Manager.
func (m *Manager) Lock(key string) (*Handle, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{flock: flock.New(filepath.Join(m.dir, flockFileName(key)))}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	if err := e.flock.Lock(); err != nil {
		e.mu.Unlock()
		m.release(key)
		return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	return &Handle{m: m, key: key}, nil
}

// Release unlocks the handle's key.
func (h *Handle) Release() error {
	h.m.mu.Lock()
	e := h.m.entries[h.key]
	h.m.mu.Unlock()
	if e == nil {
		return nil
	}
	err := e.flock.Unlock()
	e.mu.Unlock()
	h.m.release(h.key)
	return err
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
}

// flockFileName sanitizes key (typically "typename/object-id") into a
// single flat filename.
func flockFileName(key string) string {
	out := make([]byte, 0, len(key)+5)
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == os.PathSeparator || c == '/' || c == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out) + ".lock"
}
