// Package workload builds job graphs of known shape on a job system.
//
// Graphs record the order in which their jobs start and finish, so a run
// can be checked against its dependency edges afterwards.
package workload

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/3leaps/gojobs/pkg/job"
)

// Kind names a graph shape.
type Kind string

const (
	// Chain is a single path a -> b -> c ...
	Chain Kind = "chain"

	// Diamond stacks fan-out/fan-in stages: join -> width jobs -> join.
	Diamond Kind = "diamond"

	// Random is a random DAG whose edges always point from lower to
	// higher job indices.
	Random Kind = "random"

	// Batch is a set of independent jobs cycling through the labels,
	// each label costing more than the previous one.
	Batch Kind = "batch"
)

// Kinds lists the supported shapes.
var Kinds = []Kind{Chain, Diamond, Random, Batch}

var (
	// ErrUnknownKind is returned for an unsupported shape name.
	ErrUnknownKind = errors.New("unknown workload kind")

	// ErrOrderViolated is returned by Verify when a job started before one
	// of its dependencies finished.
	ErrOrderViolated = errors.New("dependency order violated")

	// ErrIncomplete is returned by Verify when a job never ran.
	ErrIncomplete = errors.New("job never ran")
)

// ParseKind parses a shape name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Spec describes the graph to build.
type Spec struct {
	Kind Kind

	// Size is the number of jobs for chain, random and batch, and the
	// number of stages for diamond.
	Size int

	// Width is the fan-out of a diamond stage. Zero uses the largest
	// width the job system's edge capacities allow.
	Width int

	// Labels are assigned to jobs round-robin. Empty means every job is
	// labelled with the kind name.
	Labels []string

	// Cost is how long each kernel keeps its worker busy.
	Cost time.Duration

	// Policy selects where jobs run.
	Policy job.Policy

	// Seed drives the random shape.
	Seed uint64
}

// DefaultSpec returns a small batch.
func DefaultSpec() Spec {
	return Spec{
		Kind:   Batch,
		Size:   256,
		Cost:   50 * time.Microsecond,
		Policy: job.Automatic,
		Seed:   1,
	}
}

// Validate checks the workload parameters.
func (s Spec) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if s.Size <= 0 {
		return fmt.Errorf("workload size must be positive, got %d", s.Size)
	}
	if s.Width < 0 {
		return fmt.Errorf("workload width must not be negative, got %d", s.Width)
	}
	if s.Cost < 0 {
		return fmt.Errorf("workload cost must not be negative, got %s", s.Cost)
	}
	return nil
}

// Edge is a dependency between two jobs of a graph, by index.
type Edge struct {
	From, To int
}

// Graph is a built, not yet scheduled job graph.
type Graph struct {
	Kind    Kind
	Handles []job.Handle
	Labels  []string
	Edges   []Edge
	Roots   []int

	seq    atomic.Int64
	ran    atomic.Int64
	start  []atomic.Int64
	finish []atomic.Int64
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int { return len(g.Handles) }

// Executed returns how many jobs have finished.
func (g *Graph) Executed() int64 { return g.ran.Load() }

// Schedule submits every root of the graph.
func (g *Graph) Schedule(js *job.JobSystem, barrier job.BarrierID) error {
	for _, r := range g.Roots {
		if err := js.Schedule(g.Handles[r], barrier); err != nil {
			return fmt.Errorf("schedule root %d: %w", r, err)
		}
	}
	return nil
}

// Verify checks that every job ran and every edge was respected.
func (g *Graph) Verify() error {
	for i := range g.Handles {
		if g.finish[i].Load() == 0 {
			return fmt.Errorf("%w: %d (%s)", ErrIncomplete, i, g.Labels[i])
		}
	}
	for _, e := range g.Edges {
		if g.finish[e.From].Load() >= g.start[e.To].Load() {
			return fmt.Errorf("%w: %d -> %d", ErrOrderViolated, e.From, e.To)
		}
	}
	return nil
}

// LabelCounts returns how many jobs carry each label.
func (g *Graph) LabelCounts() map[string]int64 {
	out := make(map[string]int64)
	for _, l := range g.Labels {
		out[l]++
	}
	return out
}

// Build creates the jobs and edges of spec on js. Nothing is scheduled.
func Build(js *job.JobSystem, spec Spec) (*Graph, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	b := &builder{js: js, spec: spec, cfg: js.Config()}
	var (
		g   *Graph
		err error
	)
	switch spec.Kind {
	case Chain:
		g, err = b.chain()
	case Diamond:
		g, err = b.diamond()
	case Random:
		g, err = b.random()
	default:
		g, err = b.batch()
	}
	if err != nil {
		b.discard()
		return nil, err
	}
	return g, nil
}

type builder struct {
	js   *job.JobSystem
	spec Spec
	cfg  job.Config
	g    *Graph
}

func (b *builder) init(n int) error {
	if free := b.js.FreeSlots(); n > free {
		return fmt.Errorf("%s graph needs %d jobs, pool has %d of %d free: %w",
			b.spec.Kind, n, free, b.cfg.PoolCapacity, job.ErrPoolExhausted)
	}
	b.g = &Graph{
		Kind:    b.spec.Kind,
		Handles: make([]job.Handle, 0, n),
		Labels:  make([]string, 0, n),
		start:   make([]atomic.Int64, n),
		finish:  make([]atomic.Int64, n),
	}
	return nil
}

// discard releases the jobs created so far.
func (b *builder) discard() {
	if b.g == nil {
		return
	}
	for _, h := range b.g.Handles {
		_ = b.js.Release(h)
	}
	b.g.Handles = nil
}

func (b *builder) label(i int) string {
	if len(b.spec.Labels) == 0 {
		return string(b.spec.Kind)
	}
	return b.spec.Labels[i%len(b.spec.Labels)]
}

// add creates job i. cost overrides Spec.Cost when positive.
func (b *builder) add(cost time.Duration) error {
	g := b.g
	i := len(g.Handles)
	if cost <= 0 {
		cost = b.spec.Cost
	}
	label := b.label(i)
	h, err := b.js.Create(func() {
		g.start[i].Store(g.seq.Add(1))
		burn(cost)
		g.finish[i].Store(g.seq.Add(1))
		g.ran.Add(1)
	}, job.Metadata{Label: label, Affinity: b.spec.Policy.Affinity()})
	if err != nil {
		return err
	}
	g.Handles = append(g.Handles, h)
	g.Labels = append(g.Labels, label)
	return nil
}

func (b *builder) connect(from, to int) error {
	if err := b.js.Connect(b.g.Handles[from], b.g.Handles[to]); err != nil {
		return fmt.Errorf("connect %d -> %d: %w", from, to, err)
	}
	b.g.Edges = append(b.g.Edges, Edge{From: from, To: to})
	return nil
}

func (b *builder) chain() (*Graph, error) {
	if err := b.init(b.spec.Size); err != nil {
		return nil, err
	}
	for i := range b.spec.Size {
		if err := b.add(0); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := b.connect(i-1, i); err != nil {
				return nil, err
			}
		}
	}
	b.g.Roots = []int{0}
	return b.g, nil
}

func (b *builder) diamond() (*Graph, error) {
	width := b.spec.Width
	limit := min(b.cfg.MaxChildren, b.cfg.MaxParents)
	if width == 0 {
		width = limit
	}
	if width > limit {
		return nil, fmt.Errorf("diamond width %d exceeds edge capacity %d: %w", width, limit, job.ErrEdgeCapacity)
	}

	if err := b.init(1 + b.spec.Size*(width+1)); err != nil {
		return nil, err
	}
	if err := b.add(0); err != nil {
		return nil, err
	}
	join := 0
	for range b.spec.Size {
		first := b.g.Len()
		for range width {
			if err := b.add(0); err != nil {
				return nil, err
			}
		}
		if err := b.add(0); err != nil {
			return nil, err
		}
		next := b.g.Len() - 1
		for m := first; m < next; m++ {
			if err := b.connect(join, m); err != nil {
				return nil, err
			}
			if err := b.connect(m, next); err != nil {
				return nil, err
			}
		}
		join = next
	}
	b.g.Roots = []int{0}
	return b.g, nil
}

func (b *builder) random() (*Graph, error) {
	n := b.spec.Size
	rng := rand.New(rand.NewPCG(b.spec.Seed, b.spec.Seed^0x9e3779b97f4a7c15))

	if err := b.init(n); err != nil {
		return nil, err
	}
	for range n {
		if err := b.add(0); err != nil {
			return nil, err
		}
	}

	parents := make([]int, n)
	children := make([]int, n)
	for to := 1; to < n; to++ {
		want := rng.IntN(b.cfg.MaxParents + 1)
		for range want {
			from := rng.IntN(to)
			if parents[to] >= b.cfg.MaxParents || children[from] >= b.cfg.MaxChildren {
				continue
			}
			if slices.Contains(b.g.Edges, Edge{From: from, To: to}) {
				continue
			}
			if err := b.connect(from, to); err != nil {
				return nil, err
			}
			parents[to]++
			children[from]++
		}
	}
	for i := range n {
		if parents[i] == 0 {
			b.g.Roots = append(b.g.Roots, i)
		}
	}
	return b.g, nil
}

func (b *builder) batch() (*Graph, error) {
	if err := b.init(b.spec.Size); err != nil {
		return nil, err
	}
	labels := max(len(b.spec.Labels), 1)
	for i := range b.spec.Size {
		cost := b.spec.Cost * time.Duration(i%labels+1)
		if err := b.add(cost); err != nil {
			return nil, err
		}
		b.g.Roots = append(b.g.Roots, i)
	}
	return b.g, nil
}

// burn keeps the calling goroutine busy for d.
func burn(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
