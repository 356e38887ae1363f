// Package mutex provides a lock keyed by an arbitrary comparable value.
// The engine uses it to serialize submissions per document series while
// different series proceed in parallel.
package mutex

import (
	"sync"
	"sync/atomic"
)

type entry struct {
	mu   sync.Mutex
	refs int32
}

type KeyedMutex[K comparable] struct {
	table sync.Map // map[K]*entry
}

func (m *KeyedMutex[K]) get(key K) *entry {
	for {
		v, loaded := m.table.LoadOrStore(key, &entry{refs: 1})
		e := v.(*entry)
		if !loaded {
			return e
		}
		if atomic.AddInt32(&e.refs, 1) > 1 {
			return e
		}
		// the entry was being retired; undo and retry with a fresh one
		atomic.AddInt32(&e.refs, -1)
		m.table.CompareAndDelete(key, e)
	}
}

func (m *KeyedMutex[K]) put(key K, e *entry) {
	if atomic.AddInt32(&e.refs, -1) == 0 {
		m.table.CompareAndDelete(key, e)
	}
}

func (m *KeyedMutex[K]) Lock(key K) {
	e := m.get(key)
	e.mu.Lock()
}

func (m *KeyedMutex[K]) Unlock(key K) {
	v, ok := m.table.Load(key)
	if !ok {
		panic("mutex: unlock of unheld key")
	}
	e := v.(*entry)
	e.mu.Unlock()
	m.put(key, e)
}
