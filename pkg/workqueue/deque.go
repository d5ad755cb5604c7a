// Package workqueue provides the bounded lock-free containers used by the
// job system:
//   - Deque: a single-owner/multi-thief work queue. The owner pushes and pops
//     at the bottom (LIFO), thieves steal from the top (FIFO).
//   - Ring: a bounded multi-producer/multi-consumer FIFO used for worker
//     inboxes and monitor activity reports.
//
// Both containers store values inline and never allocate after construction.
// A failed compare-and-swap is reported as an empty result, never an error;
// callers simply retry or move on.
package workqueue

import (
	"sync/atomic"
)

// DefaultCapacity is the number of slots used when a non-positive capacity
// is requested.
const DefaultCapacity = 1024

// Deque is a bounded work-stealing deque of uint64 values.
//
// Push and Pop must only be called by the owning goroutine. Steal may be
// called concurrently from any number of other goroutines.
type Deque struct {
	top atomic.Int64
	_   [56]byte // keep thieves and owner on separate cache lines

	bottom atomic.Int64
	_      [56]byte

	buf  []atomic.Uint64
	mask int64
}

// NewDeque creates a deque holding up to capacity values. The capacity is
// rounded up to the next power of two.
func NewDeque(capacity int) *Deque {
	n := roundUpPow2(capacity)
	return &Deque{
		buf:  make([]atomic.Uint64, n),
		mask: int64(n - 1),
	}
}

// Capacity returns the maximum number of values the deque can hold.
func (d *Deque) Capacity() int {
	return len(d.buf)
}

// Push appends v at the owner end. It returns false when the deque is full.
func (d *Deque) Push(v uint64) bool {
	b := d.bottom.Load()
	t := d.top.Load()
	if b-t >= int64(len(d.buf)) {
		return false
	}
	d.buf[b&d.mask].Store(v)
	d.bottom.Store(b + 1)
	return true
}

// Pop removes the most recently pushed value. It returns false when the deque
// was observed empty or when the last value was lost to a concurrent Steal.
func (d *Deque) Pop() (uint64, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		// Empty: restore bottom.
		d.bottom.Store(b + 1)
		return 0, false
	}

	v := d.buf[b&d.mask].Load()
	if t < b {
		return v, true
	}

	// Single remaining value: race thieves for it.
	won := d.top.CompareAndSwap(t, t+1)
	d.bottom.Store(b + 1)
	if !won {
		return 0, false
	}
	return v, true
}

// Steal removes the least recently pushed value. It returns false when the
// deque is empty or when the caller lost a race to another Steal or Pop.
func (d *Deque) Steal() (uint64, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return 0, false
	}
	v := d.buf[t&d.mask].Load()
	if !d.top.CompareAndSwap(t, t+1) {
		return 0, false
	}
	return v, true
}

// Len returns an estimate of the number of queued values.
func (d *Deque) Len() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Empty reports whether the deque was observed empty.
func (d *Deque) Empty() bool {
	return d.Len() == 0
}

func roundUpPow2(n int) int {
	if n <= 0 {
		n = DefaultCapacity
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
