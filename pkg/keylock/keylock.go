// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

// Map hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits for them, so the map stays bounded by in-flight keys.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Map.
func New() *Map {
	return &Map{
		locks: make(map[string]*entry),
	}
}

// Lock blocks until key is free and returns the function that releases it.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()

		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}
