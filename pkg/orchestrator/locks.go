package orchestrator

import (
	"sync"
)

// sessionLocks is the keyed per-session busy set. Lock acquisition is
// non-blocking: a busy session reports failure immediately. Entries are
// removed on release so the set only holds in-flight sessions.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

// tryAcquire attempts to take the lock for a session key. On success the
// caller must invoke the returned release function exactly once.
func (l *sessionLocks) tryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}

	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}

// size reports the number of in-flight sessions.
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
