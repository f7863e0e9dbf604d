// Package keyedlock serializes work per string key inside one process. The
// sync and reconciliation paths share one table, so every writer of a product
// queues behind the same lock.
package keyedlock

import "sync"

// Table holds one mutex per in-flight key. Entries are refcounted and dropped
// on last release, so the table stays proportional to in-flight keys, not to
// catalog size.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *Table {
	return &Table{locks: make(map[string]*entry)}
}

// Lock blocks until the key is free and returns the release func. The caller
// must release exactly once.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	e, ok := t.locks[key]
	if !ok {
		e = &entry{}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
