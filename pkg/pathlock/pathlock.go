// Package pathlock implements a per-id mutex table so that a single
// path is never being merged and executed at once. It is shared by
// pkg/merger (which must refuse a folder-move batch if any descendant
// is currently locked by the executor) and pkg/executor (which holds a
// lock for the duration of one dispatched operation).
package pathlock

import "sync"

type entry struct {
	mu  sync.Mutex
	ref int
}

// Table is a set of mutexes keyed by catalog id, created on first use and
// freed once their reference count drops to zero. It is safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until id's mutex is held, returning an unlock function.
func (t *Table) Lock(id string) func() {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.ref++
	t.mu.Unlock()

	e.mu.Lock()
	return func() { t.unlock(id, e) }
}

// TryLock attempts to acquire id's mutex without blocking. The returned
// unlock function must be called iff ok is true.
func (t *Table) TryLock(id string) (unlock func(), ok bool) {
	t.mu.Lock()
	e, exists := t.entries[id]
	if !exists {
		e = &entry{}
		t.entries[id] = e
	}
	e.ref++
	t.mu.Unlock()

	if !e.mu.TryLock() {
		t.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
		return nil, false
	}
	return func() { t.unlock(id, e) }, true
}

// TryLockAll attempts to acquire every id in ids, releasing any partial
// acquisitions and returning ok=false if any single one is unavailable.
// Used by the merger's folder-move batch, which must take every
// descendant's lock atomically or none at all.
func (t *Table) TryLockAll(ids []string) (unlock func(), ok bool) {
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		u, acquired := t.TryLock(id)
		if !acquired {
			for _, prev := range unlocks {
				prev()
			}
			return nil, false
		}
		unlocks = append(unlocks, u)
	}
	return func() {
		for _, u := range unlocks {
			u()
		}
	}, true
}

func (t *Table) unlock(id string, e *entry) {
	e.mu.Unlock()
	t.mu.Lock()
	e.ref--
	if e.ref == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
}
