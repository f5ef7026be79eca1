package upload

import "sync"

// sessionLocks serializes all operations against a single session id while
// letting unrelated sessions proceed in parallel. Entries are reference
// counted and dropped as soon as the last holder releases, so the map does
// not grow with the total number of sessions ever seen.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		entries: make(map[string]*lockEntry),
	}
}

// Lock acquires the per-session lock and returns its release function.
func (l *sessionLocks) Lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
