// Package lock provides the two mutual-exclusion primitives this engine
// needs: a fail-fast lock that rejects overlapping acquisition instead
// of queueing (the block item store's batch), and a plain blocking lock
// (the processor and the machine, which must serialize but never drop a
// caller).
package lock

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// FailFast is a binary lock where a caller that finds the lock already
// held does not wait for it: it is told "no" immediately. Sequential
// callers (one acquires, releases, then the next acquires) still work
// like an ordinary mutex; only overlapping/re-entrant acquisition fails.
type FailFast struct {
	sem *semaphore.Weighted
}

func NewFailFast() *FailFast {
	return &FailFast{sem: semaphore.NewWeighted(1)}
}

// TryAcquire returns true if the lock was free and is now held by the
// caller, false if it was already held.
func (l *FailFast) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

func (l *FailFast) Release() {
	l.sem.Release(1)
}

// Serial is an ordinary blocking mutex, kept as a named type so call
// sites read as "the processor lock" / "the machine lock" rather than a
// bare sync.Mutex.
type Serial struct {
	mu sync.Mutex
}

func (l *Serial) Lock()   { l.mu.Lock() }
func (l *Serial) Unlock() { l.mu.Unlock() }
