package job

import "sync/atomic"

// BarrierID identifies a barrier slot in the job system.
type BarrierID int32

// NoBarrier means a job is not attached to any barrier.
const NoBarrier BarrierID = -1

// Barrier counts the unfinished jobs of a group so a caller can wait for
// that group without waiting for the whole system to go idle.
type Barrier struct {
	pending atomic.Int64
	used    atomic.Bool
	retired atomic.Bool
}

// AddDependency attaches one more job to the barrier.
func (b *Barrier) AddDependency() { b.pending.Add(1) }

// AddDependencies attaches n jobs to the barrier.
func (b *Barrier) AddDependencies(n int64) { b.pending.Add(n) }

// RemoveDependency is called once per attached job when it completes.
func (b *Barrier) RemoveDependency() { b.pending.Add(-1) }

// Finished reports whether every attached job has completed.
func (b *Barrier) Finished() bool { return b.pending.Load() == 0 }

// Pending returns the number of attached jobs still running.
func (b *Barrier) Pending() int64 { return b.pending.Load() }

// InUse reports whether the barrier slot is claimed.
func (b *Barrier) InUse() bool { return b.used.Load() }

// MarkUsed atomically swaps the in-use flag from expected to desired.
// A false return means another caller got there first.
func (b *Barrier) MarkUsed(expected, desired bool) bool {
	return b.used.CompareAndSwap(expected, desired)
}

// reclaim frees a retired barrier once its last job completed. Only one
// caller wins the retired flag.
func (b *Barrier) reclaim() {
	if b.Finished() && b.retired.CompareAndSwap(true, false) {
		b.used.Store(false)
	}
}
