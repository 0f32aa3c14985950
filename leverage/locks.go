package leverage

import "sync"

// ownerLocks serializes operations per owner. Two operations touching the
// same owner's aggregate risk metrics must not interleave between the
// solvency pre-check and the pool call; operations for unrelated owners run
// in parallel.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *ownerLocks) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		l.locks[key] = entry
	}
	l.mu.Unlock()

	entry.Lock()
	return entry.Unlock
}
