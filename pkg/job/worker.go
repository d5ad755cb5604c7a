package job

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gojobs/pkg/workqueue"
)

// WorkerState is the state of a worker loop.
type WorkerState int32

const (
	// WorkerIdle workers are parked on the wake condition.
	WorkerIdle WorkerState = iota
	// WorkerRunning workers are looking for or executing jobs.
	WorkerRunning
	// WorkerStopping workers have left their loop for good.
	WorkerStopping
)

// String returns the state name.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// worker owns two deques: private jobs only it may run, public jobs
// siblings may steal. Other goroutines hand it jobs through the inbox,
// which only the owner drains, so each deque keeps a single owner. When
// the inbox is full, submissions spill to a locked list the owner drains
// the same way.
//
// Worker 0 is owned by whichever caller holds the foreground lock when
// foreground work is enabled.
type worker struct {
	tid int
	js  *JobSystem

	inbox    *workqueue.Ring[Handle]
	private  *workqueue.Deque
	public   *workqueue.Deque
	overflow []Handle

	spillMu sync.Mutex
	spill   []Handle
	spilled atomic.Int64

	victims    []int
	nextVictim int

	state    atomic.Int32
	activity WorkerActivity

	executed atomic.Int64
	stolen   atomic.Int64
	panics   atomic.Int64
}

func newWorker(js *JobSystem, tid, workers int) *worker {
	w := &worker{
		tid:     tid,
		js:      js,
		inbox:   workqueue.NewRing[Handle](2 * js.cfg.PoolCapacity),
		private: workqueue.NewDeque(js.cfg.QueueCapacity),
		public:  workqueue.NewDeque(js.cfg.QueueCapacity),
	}
	w.activity.TID = tid
	for i := range workers {
		if i != tid {
			w.victims = append(w.victims, i)
		}
	}
	// Spread the first victims so workers do not all probe worker 0.
	if len(w.victims) > 0 {
		w.nextVictim = tid % len(w.victims)
	}
	return w
}

// State returns the current loop state.
func (w *worker) State() WorkerState { return WorkerState(w.state.Load()) }

// submit hands a job to this worker from another goroutine. The inbox
// can hold stale handles of preempted jobs until the owner drains it, so
// a full inbox is not a capacity error.
func (w *worker) submit(h Handle) {
	if w.inbox.Push(h) {
		return
	}
	w.spillMu.Lock()
	w.spill = append(w.spill, h)
	w.spilled.Add(1)
	w.spillMu.Unlock()
}

// push enqueues a job from the owner goroutine.
func (w *worker) push(h Handle, stealable bool) {
	q := w.private
	if stealable {
		q = w.public
	}
	if !q.Push(uint64(h)) {
		w.overflow = append(w.overflow, h)
	}
}

// drain moves inbox and spilled entries into the owner deques.
func (w *worker) drain() {
	for {
		h, ok := w.inbox.Pop()
		if !ok {
			break
		}
		w.accept(h)
	}
	if w.spilled.Load() == 0 {
		return
	}
	w.spillMu.Lock()
	spill := w.spill
	w.spill = nil
	w.spilled.Store(0)
	w.spillMu.Unlock()
	for _, h := range spill {
		w.accept(h)
	}
}

// accept queues h unless it went stale while in transit.
func (w *worker) accept(h Handle) {
	n, err := w.js.pool.get(h)
	if err != nil || !n.holds(h, Pending) {
		return
	}
	w.push(h, n.meta.Affinity.Stealable())
}

// next returns the next job for the owner: private queue first, then
// public, then spilled jobs, and finally a steal.
func (w *worker) next() (Handle, bool) {
	w.drain()
	if v, ok := w.private.Pop(); ok {
		return Handle(v), true
	}
	if v, ok := w.public.Pop(); ok {
		return Handle(v), true
	}
	if n := len(w.overflow); n > 0 {
		h := w.overflow[n-1]
		w.overflow = w.overflow[:n-1]
		return h, true
	}
	return w.steal()
}

// steal probes a bounded number of sibling public queues.
func (w *worker) steal() (Handle, bool) {
	if !w.js.cfg.WorkStealing || len(w.victims) == 0 {
		return 0, false
	}
	for range w.js.cfg.MaxStealingAttempts {
		victim := w.js.workers[w.victims[w.nextVictim]]
		w.nextVictim = (w.nextVictim + 1) % len(w.victims)
		if v, ok := victim.public.Steal(); ok {
			w.activity.Stolen++
			w.stolen.Add(1)
			return Handle(v), true
		}
	}
	return 0, false
}

// hasWork is the wake predicate, evaluated under the wake mutex: new jobs
// in the inbox, or stealable jobs on a sibling.
func (w *worker) hasWork() bool {
	if !w.inbox.Empty() || w.spilled.Load() > 0 {
		return true
	}
	if !w.js.cfg.WorkStealing {
		return false
	}
	for _, v := range w.victims {
		if !w.js.workers[v].public.Empty() {
			return true
		}
	}
	return false
}

// run is the background worker loop.
func (w *worker) run() {
	js := w.js
	js.logger.Debug("Worker started", zap.Int("tid", w.tid))

	for js.running.Load() {
		w.state.Store(int32(WorkerRunning))
		if h, ok := w.next(); ok {
			w.execute(h)
			continue
		}

		w.state.Store(int32(WorkerIdle))
		start := time.Now()
		js.mu.Lock()
		for !w.hasWork() && js.running.Load() {
			js.wake.Wait()
		}
		js.mu.Unlock()

		w.activity.Idle += time.Since(start)
		js.monitor.ReportActivity(w.activity)
		w.activity.reset()
	}

	w.state.Store(int32(WorkerStopping))
}

// execute runs h if it is still pending. A job preempted by a caller, or
// already claimed through another queue, is skipped.
func (w *worker) execute(h Handle) bool {
	js := w.js
	n, err := js.pool.get(h)
	if err != nil {
		return false
	}
	if !n.casState(h, Pending, Executing) {
		return false
	}

	elapsed := js.runKernel(w, n)
	w.activity.Active += elapsed
	w.activity.Executed++
	w.executed.Add(1)
	js.monitor.ReportJob(n.meta.Label, elapsed)

	js.complete(h, n, w)
	return true
}

// essentials runs the essential jobs still queued on this worker and drops
// the rest. Only valid once the worker loop has stopped.
func (w *worker) essentials() int {
	w.drain()
	ran := 0
	run := func(h Handle) {
		n, err := w.js.pool.get(h)
		if err != nil || !n.meta.Essential || n.kernel == nil {
			return
		}
		if !n.casState(h, Pending, Executing) {
			return
		}
		n.kernel()
		n.setState(Processed)
		ran++
	}
	for {
		v, ok := w.private.Pop()
		if !ok {
			break
		}
		run(Handle(v))
	}
	for {
		v, ok := w.public.Pop()
		if !ok {
			break
		}
		run(Handle(v))
	}
	for _, h := range w.overflow {
		run(h)
	}
	w.overflow = nil
	return ran
}
