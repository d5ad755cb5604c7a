package job

import (
	"errors"
)

// ErrCycle indicates that an edge would close a dependency cycle.
var ErrCycle = errors.New("dependency cycle")

// connect registers the edge from -> to. The caller holds the pool lock.
func (p *pool) connect(from, to Handle) error {
	src, err := p.get(from)
	if err != nil {
		return err
	}
	dst, err := p.get(to)
	if err != nil {
		return err
	}
	if from == to {
		return ErrCycle
	}
	if src.scheduled.Load() || src.loadState() != Idle ||
		dst.scheduled.Load() || dst.loadState() != Idle {
		return ErrNotIdle
	}
	if len(src.children) == cap(src.children) || len(dst.parents) == cap(dst.parents) {
		return ErrEdgeCapacity
	}
	if p.reaches(to, from) {
		return ErrCycle
	}

	src.children = append(src.children, to)
	dst.parents = append(dst.parents, from.index())
	dst.pending.Add(1)
	return nil
}

// reaches reports whether target is reachable from start along out-edges.
func (p *pool) reaches(start, target Handle) bool {
	found := false
	p.walk(start, func(h Handle, _ *node) bool {
		if h == target {
			found = true
		}
		return !found
	})
	return found
}

// walk visits the subgraph rooted at h depth-first, each node once. visit
// returns false to stop descending below a node. Stale child handles are
// skipped.
func (p *pool) walk(h Handle, visit func(Handle, *node) bool) {
	seen := make(map[Handle]struct{})
	stack := []Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}

		n, err := p.get(cur)
		if err != nil {
			continue
		}
		if visit(cur, n) {
			stack = append(stack, n.children...)
		}
	}
}

// subgraph collects the nodes reachable from h. It fails on the first
// stale handle.
func (p *pool) subgraph(h Handle) ([]Handle, []*node, error) {
	var (
		handles []Handle
		nodes   []*node
		bad     error
	)
	seen := make(map[Handle]struct{})
	stack := []Handle{h}
	for len(stack) > 0 && bad == nil {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}

		n, err := p.get(cur)
		if err != nil {
			bad = &ConfigError{Op: "walk", Handle: cur, Err: err}
			break
		}
		handles = append(handles, cur)
		nodes = append(nodes, n)
		stack = append(stack, n.children...)
	}
	return handles, nodes, bad
}

// reset restores a processed keep-alive subgraph to Idle. Dependency
// counters are set to the in-degree of each node, so calling reset twice
// leaves the same counts as calling it once.
func (p *pool) reset(h Handle) error {
	_, nodes, err := p.subgraph(h)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		st := n.loadState()
		switch {
		case st == Idle && !n.scheduled.Load():
		case st == Processed && n.done.Load():
		default:
			return ErrNotReady
		}
	}
	for _, n := range nodes {
		n.setState(Idle)
		n.pending.Store(int32(len(n.parents)))
		n.scheduled.Store(false)
		n.done.Store(false)
		n.barrier.Store(int32(NoBarrier))
	}
	return nil
}
