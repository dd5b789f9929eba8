package services

import "sync"

// keyedLocks serializes transitions per entity id: at most one in-flight
// transition per order or offer, while unrelated entities proceed in
// parallel. Entries are dropped once the last holder releases.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// acquire blocks until the lock for id is held and returns the release
// function.
func (l *keyedLocks) acquire(id string) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*lockEntry)
	}
	entry := l.held[id]
	if entry == nil {
		entry = &lockEntry{}
		l.held[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
