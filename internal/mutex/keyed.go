// Package mutex provides per-key locking.
package mutex

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Keyed is a set of read/write locks addressed by key. Entries are dropped
// once no goroutine holds or waits on them.
type Keyed[K comparable] struct {
	mu    sync.Mutex
	table map[K]*entry
}

func (m *Keyed[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		m.table = make(map[K]*entry)
	}
	e, ok := m.table[key]
	if !ok {
		e = &entry{}
		m.table[key] = e
	}
	e.refs++
	return e
}

func (m *Keyed[K]) release(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.table, key)
	}
}

// Lock takes the write lock for key and returns its unlock function
func (m *Keyed[K]) Lock(key K) func() {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(key, e)
	}
}

// RLock takes the read lock for key and returns its unlock function
func (m *Keyed[K]) RLock(key K) func() {
	e := m.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		m.release(key, e)
	}
}

// Len returns the number of keys currently tracked
func (m *Keyed[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
