package workqueue

import "sync/atomic"

// Ring is a bounded lock-free MPMC queue.
//
// Each cell carries a sequence number that tells producers and consumers
// whether the cell is free for the current lap. Push never blocks: a full
// ring rejects the value.
type Ring[T any] struct {
	head atomic.Uint64
	_    [56]byte

	tail atomic.Uint64
	_    [56]byte

	cells []ringCell[T]
	mask  uint64
}

type ringCell[T any] struct {
	seq atomic.Uint64
	val T
}

// NewRing creates a ring holding up to capacity values, rounded up to the
// next power of two.
func NewRing[T any](capacity int) *Ring[T] {
	n := roundUpPow2(capacity)
	r := &Ring[T]{
		cells: make([]ringCell[T], n),
		mask:  uint64(n - 1),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// Capacity returns the maximum number of values the ring can hold.
func (r *Ring[T]) Capacity() int {
	return len(r.cells)
}

// Push enqueues v. It returns false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.tail.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.tail.Load()
		case dif < 0:
			return false
		default:
			pos = r.tail.Load()
		}
	}
}

// Pop dequeues the oldest value. It returns false when the ring is empty.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	pos := r.head.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.head.Load()
		case dif < 0:
			return zero, false
		default:
			pos = r.head.Load()
		}
	}
}

// Len returns an estimate of the number of queued values.
func (r *Ring[T]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail <= head {
		return 0
	}
	return int(tail - head)
}

// Empty reports whether the ring was observed empty.
func (r *Ring[T]) Empty() bool {
	return r.Len() == 0
}
