package job

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// Algorithm selects how ready jobs are assigned to workers.
type Algorithm string

const (
	// RoundRobin cycles through the workers allowed by each job affinity.
	RoundRobin Algorithm = "round_robin"
	// MinLoad sends profiled jobs to the allowed worker with the lowest
	// accumulated expected cost and falls back to round-robin otherwise.
	MinLoad Algorithm = "min_load"
)

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoundRobin:
		return RoundRobin, nil
	case MinLoad, "minimum_load":
		return MinLoad, nil
	default:
		return "", fmt.Errorf("unknown scheduler %q (want %s or %s)", s, RoundRobin, MinLoad)
	}
}

// scheduler picks the worker that receives a ready job. caller is the id of
// the worker dispatching the job, or -1 outside the worker pool.
type scheduler interface {
	pick(meta Metadata, caller int) int
}

type roundRobin struct {
	workers int
	// One cursor per worker plus a shared one for external callers.
	cursors []atomic.Uint32
}

func newRoundRobin(workers int) *roundRobin {
	return &roundRobin{
		workers: workers,
		cursors: make([]atomic.Uint32, workers+1),
	}
}

func (r *roundRobin) pick(meta Metadata, caller int) int {
	cur := &r.cursors[caller+1]
	start := int(cur.Load()) % r.workers
	for i := range r.workers {
		tid := (start + i) % r.workers
		if meta.Affinity.Allows(tid, r.workers) {
			cur.Store(uint32((tid + 1) % r.workers))
			return tid
		}
	}
	// The clamped hint always satisfies its own mask.
	return meta.Affinity.hint(r.workers)
}

type minLoad struct {
	fallback *roundRobin
	monitor  *Monitor
	workers  int
}

func newMinLoad(workers int, monitor *Monitor) *minLoad {
	return &minLoad{
		fallback: newRoundRobin(workers),
		monitor:  monitor,
		workers:  workers,
	}
}

func (m *minLoad) pick(meta Metadata, caller int) int {
	size, ok := m.monitor.JobSize(meta.Label)
	if !ok {
		return m.fallback.pick(meta, caller)
	}

	best, bestLoad := -1, time.Duration(math.MaxInt64)
	for tid := range m.workers {
		if !meta.Affinity.Allows(tid, m.workers) {
			continue
		}
		if ld := m.monitor.Load(tid); ld < bestLoad {
			best, bestLoad = tid, ld
		}
	}
	if best < 0 {
		return m.fallback.pick(meta, caller)
	}
	m.monitor.AddLoad(best, size)
	return best
}

func newScheduler(alg Algorithm, workers int, monitor *Monitor) scheduler {
	if alg == MinLoad {
		return newMinLoad(workers, monitor)
	}
	return newRoundRobin(workers)
}
