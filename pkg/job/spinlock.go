package job

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-waiting mutual exclusion lock for very short
// critical sections. It yields the processor between attempts.
//
// The zero value is an unlocked SpinLock.
type SpinLock struct {
	held atomic.Bool
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.TryLock() {
		for l.held.Load() {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.held.Store(false)
}
