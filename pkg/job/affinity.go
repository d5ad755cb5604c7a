package job

import (
	"fmt"
	"strings"
)

// Affinity encodes which workers may run a job.
//
// The low byte is a worker id hint. Bit 8 marks the job stealable by
// sibling workers, bit 9 asks the scheduler to balance placement across
// workers whose id is at least the hint instead of pinning the job to the
// hint. The zero Affinity behaves like AffinityAny.
type Affinity uint32

const (
	tidHintMask Affinity = 0xff
	stealableBit         = 8
	balanceBit           = 9
	explicitBit          = 10
)

// WorkerAffinity builds an affinity mask.
//
// With balance set, the actual worker id is never lower than tidHint.
// Without it, the job is pinned to tidHint.
func WorkerAffinity(tidHint uint32, stealable, balance bool) Affinity {
	a := Affinity(tidHint)&tidHintMask | 1<<explicitBit
	if stealable {
		a |= 1 << stealableBit
	}
	if balance {
		a |= 1 << balanceBit
	}
	return a
}

// ForceWorker pins a job to a single worker and forbids stealing.
func ForceWorker(tid uint32) Affinity {
	return WorkerAffinity(tid, false, false)
}

// Common affinity presets.
var (
	// AffinityMain runs the job on the main context (worker 0), during the
	// next wait.
	AffinityMain = WorkerAffinity(0, false, false)

	// AffinityAsync runs the job on any background worker. The main context
	// may still steal it while assisting.
	AffinityAsync = WorkerAffinity(1, true, true)

	// AffinityAsyncStrict runs the job on a background worker only.
	AffinityAsyncStrict = WorkerAffinity(1, false, true)

	// AffinityAny lets the job run anywhere.
	AffinityAny = WorkerAffinity(0, true, true)
)

func (a Affinity) resolve() Affinity {
	if a&(1<<explicitBit) == 0 {
		return AffinityAny
	}
	return a
}

// Hint returns the worker id hint.
func (a Affinity) Hint() int { return int(a.resolve() & tidHintMask) }

// Stealable reports whether sibling workers may steal the job.
func (a Affinity) Stealable() bool { return a.resolve()&(1<<stealableBit) != 0 }

// Balanced reports whether the scheduler may pick among several workers.
func (a Affinity) Balanced() bool { return a.resolve()&(1<<balanceBit) != 0 }

// hint clamps the hint to the available workers so that a mask built for a
// larger machine still schedules on a smaller one.
func (a Affinity) hint(workers int) int {
	h := a.Hint()
	if h >= workers {
		h = workers - 1
	}
	return h
}

// Allows reports whether worker tid may receive the job.
func (a Affinity) Allows(tid, workers int) bool {
	h := a.hint(workers)
	if !a.Balanced() {
		return tid == h
	}
	return tid >= h
}

// Policy selects where Dispatch places a job.
type Policy int

const (
	// Automatic lets the job run on any worker, including the main context
	// while it assists during a wait.
	Automatic Policy = iota
	// Deferred runs the job on the main context during the next wait.
	Deferred
	// Async runs the job on background workers only.
	Async
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Automatic:
		return "automatic"
	case Deferred:
		return "deferred"
	case Async:
		return "async"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a policy name into a Policy. Empty means Automatic.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "automatic":
		return Automatic, nil
	case "deferred":
		return Deferred, nil
	case "async":
		return Async, nil
	default:
		return Automatic, fmt.Errorf("unknown policy %q (want automatic, deferred or async)", s)
	}
}

// Affinity returns the worker affinity implied by the policy.
func (p Policy) Affinity() Affinity {
	switch p {
	case Deferred:
		return AffinityMain
	case Async:
		return AffinityAsync
	default:
		return AffinityAny
	}
}

// Metadata describes a job for scheduling and profiling.
type Metadata struct {
	// Label groups jobs for execution time profiling and load-aware
	// scheduling. Empty labels are not profiled.
	Label string

	// Affinity restricts the workers that may run the job.
	Affinity Affinity

	// Essential jobs still run on the caller during Abort.
	Essential bool
}
