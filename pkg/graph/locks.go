package graph

import (
	"fmt"
	"sync"
)

// threadLocks hands out single-holder locks keyed by thread id. Acquisition
// never blocks: a second run on a busy thread is rejected so callers can
// surface the conflict instead of queueing silently behind it.
type threadLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newThreadLocks() *threadLocks {
	return &threadLocks{held: make(map[string]struct{})}
}

// acquire takes the lock for threadID and returns the release func, or
// ErrThreadBusy when another run holds it.
func (l *threadLocks) acquire(threadID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[threadID]; busy {
		return nil, fmt.Errorf("%s: %w", threadID, ErrThreadBusy)
	}
	l.held[threadID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, threadID)
		l.mu.Unlock()
	}, nil
}

// busy reports whether a run currently holds threadID.
func (l *threadLocks) busy(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[threadID]
	return ok
}
