package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Map.Close/Find when the requested session id
// is not present.
var ErrNotFound = errors.New("session: session id not found")

type mapEntry struct {
	mu     sync.RWMutex
	sess   *Session
	closed bool
}

// Map is the engine's (session id -> session) repository: an
// RWMutex-guarded map wrapping a plain in-memory store.
type Map struct {
	mu      sync.RWMutex
	entries map[string]*mapEntry
}

// NewMap returns an empty session Map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*mapEntry)}
}

// Add installs sess under its own id, replacing any existing entry for that
// id without closing it (callers must Close first if that matters).
func (m *Map) Add(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sess.ID()] = &mapEntry{sess: sess}
}

// Find returns a shared handle to the session, or ok=false if it is absent
// or already closed. The returned *Session may be used without holding the
// map's lock.
func (m *Map) Find(id string) (*Session, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false
	}
	return e.sess, true
}

// Close marks id's session closed and closes its TCE handle, returning
// ErrNotFound if no such session exists. The entry is not dropped from the
// map so any handle a caller already obtained via Find stays valid.
func (m *Map) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.sess.Close(ctx)
}

// List returns a snapshot slice of every non-closed session.
func (m *Map) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.RLock()
		if !e.closed {
			out = append(out, e.sess)
		}
		e.mu.RUnlock()
	}
	return out
}

// CloseAll closes every session and then clears the map. Entries are
// marked closed before their TCE handles are released, so handles already
// obtained via Find observe the closed state rather than a dangling map.
func (m *Map) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*mapEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*mapEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			e.closed = true
			_ = e.sess.Close(ctx)
		}
		e.mu.Unlock()
	}
}
