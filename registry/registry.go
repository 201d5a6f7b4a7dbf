// Package registry holds the server and client descriptors known to a host
// together with their live handles.
//
// Tables never overwrite: registering an id that is already present fails and
// leaves the existing entry untouched. List returns ids in registration order.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrNotRegistered is returned when an id is not present.
	ErrNotRegistered = errors.New("not registered")
	// ErrEmptyID is returned when registering with an empty id.
	ErrEmptyID = errors.New("id must not be empty")
)

// Table is a concurrency-safe, insertion-ordered map of descriptors.
type Table[D any] struct {
	mu      sync.RWMutex
	entries map[string]D
	order   []string
}

// NewTable creates an empty table.
func NewTable[D any]() *Table[D] {
	return &Table[D]{entries: make(map[string]D)}
}

// Register stores d under id. It returns false when id is empty or already
// present.
func (t *Table[D]) Register(id string, d D) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return false
	}
	t.entries[id] = d
	t.order = append(t.order, id)
	return true
}

// Unregister removes id and returns its descriptor. ok is false when id was
// not present.
func (t *Table[D]) Unregister(id string) (d D, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok = t.entries[id]
	if !ok {
		return d, false
	}
	delete(t.entries, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return d, true
}

// Get returns the descriptor for id.
func (t *Table[D]) Get(id string) (D, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.entries[id]
	return d, ok
}

// Has reports whether id is registered.
func (t *Table[D]) Has(id string) bool {
	_, ok := t.Get(id)
	return ok
}

// List returns a snapshot of the registered ids in registration order.
func (t *Table[D]) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of entries.
func (t *Table[D]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
