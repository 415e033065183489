// Package spinlock implements the non-reentrant spin primitive that guards
// the detector's critical section.
//
// A conventional sync.Mutex cannot be used here: the detector observes a
// host allocator, and in the original deployment scenario the mutex
// implementation itself may allocate or take locks that conflict with the
// allocation hook path, recursing back into the hooks. A raw CAS spin has
// no such dependency.
//
// The lock is strictly non-recursive. A caller that already holds the lock
// and tries to acquire it again will spin forever; the hook layer avoids
// this by construction (detector code never re-enters the hook entry
// points). TryLock is available to callers that must skip instead of
// block.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Number of CAS attempts before yielding the processor. Chosen so an
// uncontended acquire never reaches the scheduler.
const spinAttempts = 64

// SpinLock is a non-reentrant test-and-set spin lock.
//
// The zero value is an unlocked SpinLock. It must not be copied after
// first use.
type SpinLock struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
//
// After a bounded number of failed CAS attempts the goroutine yields via
// runtime.Gosched so a holder descheduled mid-critical-section can make
// progress.
func (l *SpinLock) Lock() {
	for {
		for i := 0; i < spinAttempts; i++ {
			if l.state.CompareAndSwap(0, 1) {
				return
			}
		}
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
//
// Returns true if the lock was acquired. The detector's hook entry
// points do not use it; they take the lock with Lock.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
//
// Calling Unlock on an unlocked SpinLock leaves it unlocked; there is no
// ownership check, matching the raw spin primitive this replaces.
func (l *SpinLock) Unlock() {
	l.state.Store(0)
}

// Held reports whether the lock is currently held by some goroutine.
// Diagnostic only; the answer may be stale by the time it is returned.
func (l *SpinLock) Held() bool {
	return l.state.Load() != 0
}
