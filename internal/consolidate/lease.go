package consolidate

import "sync"

// Lease is the process-wide consolidation lease described in spec §5:
// at most one sweep runs at a time, and a sweep holds it exclusively
// for stages 2-6. Stage 1 (frequency/relevance update) never acquires
// the lease — its per-episode writes are plain store Puts taken without
// any guard, which is what lets incremental
// consolidation's stage 1 run concurrently with a dream sweep.
type Lease struct {
	mu sync.Mutex
}

// Acquire blocks until the lease is free, then returns a release func.
func (l *Lease) Acquire() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// TryAcquire attempts to take the lease without blocking. It returns a
// release func and true on success, or a no-op func and false if the
// lease is already held.
func (l *Lease) TryAcquire() (func(), bool) {
	if !l.mu.TryLock() {
		return func() {}, false
	}
	return l.mu.Unlock, true
}
