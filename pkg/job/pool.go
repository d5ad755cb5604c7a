package job

import (
	"sync/atomic"
)

// node is one slot of the job arena: a job record together with its
// dependency graph linkage.
type node struct {
	// word packs the slot generation (high half) with the job State (low
	// half), so a state transition through a stale handle fails.
	word atomic.Uint64

	// pending counts in-edges whose source has not reached Processed.
	pending atomic.Int32

	// scheduled is set once Schedule has counted the node into the
	// global pending total. It blocks further Connect calls.
	scheduled atomic.Bool

	// done is set after completion bookkeeping (children, barrier) ends.
	done atomic.Bool

	keepAlive atomic.Bool
	barrier   atomic.Int32

	kernel func()
	meta   Metadata

	// Edge sets. Capacity is fixed at pool construction; mutated only
	// under the pool lock, while the node is unscheduled or on release.
	parents  []uint32
	children []Handle
}

func packWord(gen uint32, s State) uint64 {
	return uint64(gen)<<32 | uint64(uint32(s))
}

func (n *node) generation() uint32 { return uint32(n.word.Load() >> 32) }

func (n *node) loadState() State { return State(int32(uint32(n.word.Load()))) }

// casState moves the job from one state to another, provided the slot
// still belongs to h.
func (n *node) casState(h Handle, from, to State) bool {
	gen := h.generation()
	return n.word.CompareAndSwap(packWord(gen, from), packWord(gen, to))
}

// holds reports whether the slot belongs to h and is in state s.
func (n *node) holds(h Handle, s State) bool {
	return n.word.Load() == packWord(h.generation(), s)
}

// setState stores s under the current generation. Callers own the job.
func (n *node) setState(s State) {
	for {
		old := n.word.Load()
		if n.word.CompareAndSwap(old, packWord(uint32(old>>32), s)) {
			return
		}
	}
}

func (n *node) ready() bool { return n.pending.Load() == 0 }

// pool is a fixed-capacity arena of job nodes. Free slots are kept on a
// stack guarded by a spin lock; lookups are lock-free and validated against
// the slot generation.
type pool struct {
	lock  SpinLock
	nodes []node
	free  []uint32
	inUse atomic.Int64
}

func newPool(capacity, maxParents, maxChildren int) *pool {
	p := &pool{
		nodes: make([]node, capacity),
		free:  make([]uint32, capacity),
	}
	for i := range p.nodes {
		n := &p.nodes[i]
		n.word.Store(packWord(1, Idle))
		n.barrier.Store(int32(NoBarrier))
		n.parents = make([]uint32, 0, maxParents)
		n.children = make([]Handle, 0, maxChildren)
		// Pop order hands out low indices first.
		p.free[capacity-1-i] = uint32(i)
	}
	return p
}

// alloc claims a free slot. Exhaustion is fatal.
func (p *pool) alloc(kernel func(), meta Metadata) (Handle, *node) {
	p.lock.Lock()
	if len(p.free) == 0 {
		p.lock.Unlock()
		fatal("alloc", ErrPoolExhausted)
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.lock.Unlock()

	n := &p.nodes[idx]
	n.kernel = kernel
	n.meta = meta
	p.inUse.Add(1)
	return makeHandle(idx, n.generation()), n
}

// get resolves a handle to its node.
func (p *pool) get(h Handle) (*node, error) {
	idx := h.index()
	if !h.Valid() || int(idx) >= len(p.nodes) {
		return nil, ErrInvalidHandle
	}
	n := &p.nodes[idx]
	if n.generation() != h.generation() {
		return nil, ErrInvalidHandle
	}
	return n, nil
}

// release returns a slot to the pool. The generation moves on before
// anything else, so outstanding handles fail from here on.
func (p *pool) release(h Handle) {
	idx := h.index()
	n := &p.nodes[idx]

	gen := n.generation() + 1
	if gen == 0 {
		gen = 1
	}
	n.word.Store(packWord(gen, Idle))

	p.lock.Lock()
	n.kernel = nil
	n.meta = Metadata{}
	n.parents = n.parents[:0]
	n.children = n.children[:0]
	n.pending.Store(0)
	n.scheduled.Store(false)
	n.done.Store(false)
	n.keepAlive.Store(false)
	n.barrier.Store(int32(NoBarrier))
	p.free = append(p.free, idx)
	p.lock.Unlock()
	p.inUse.Add(-1)
}

// available reports the number of unclaimed slots.
func (p *pool) available() int {
	return p.capacity() - int(p.inUse.Load())
}

func (p *pool) capacity() int { return len(p.nodes) }
