package workflow

import "sync"

// threadLocks serializes turns per thread id. Concurrent turns on the same
// thread would interleave their checkpoint writes; callers that cannot
// guarantee serial invocation get mutual exclusion here.
//
// Entries are reference counted and removed when the last holder releases,
// so the map does not grow with the number of threads ever seen.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread's lock is held and returns the release
// function.
func (t *threadLocks) acquire(threadID string) func() {
	t.mu.Lock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{}
		t.locks[threadID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, threadID)
		}
		t.mu.Unlock()
	}
}
