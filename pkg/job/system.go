package job

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gojobs/pkg/profile"
)

// JobSystem schedules jobs on a fixed pool of workers.
type JobSystem struct {
	cfg    Config
	logger *zap.Logger

	pool     *pool
	barriers []Barrier
	workers  []*worker
	sched    scheduler
	monitor  *Monitor

	// pending counts scheduled jobs that have not completed.
	pending atomic.Int64
	running atomic.Bool

	// mu and wake guard only the worker sleep/wake transition.
	mu   sync.Mutex
	wake *sync.Cond

	// fg grants ownership of worker 0 to one assisting caller at a time.
	fg SpinLock

	callerPanics atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a job system and starts its background workers. When a
// profile store is configured the stored profile seeds the monitor.
func New(ctx context.Context, cfg Config) (*JobSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Op: "New", Err: err}
	}
	cfg.Scheduler, _ = ParseAlgorithm(string(cfg.Scheduler))
	if cfg.ResignalInterval <= 0 {
		cfg.ResignalInterval = time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	js := &JobSystem{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "JobSystem")),
	}
	js.wake = sync.NewCond(&js.mu)

	n := cfg.workerCount()
	js.logger.Info("Initializing",
		zap.Int("workers", n),
		zap.String("scheduler", string(cfg.Scheduler)),
		zap.Bool("foreground_work", cfg.ForegroundWork),
		zap.Bool("work_stealing", cfg.WorkStealing),
	)
	js.logger.Debug("Detected CPU cores", zap.Int("cores", cfg.cpuCores()))
	if n == 1 {
		js.logger.Warn("Only one worker: async jobs will be scheduled on the main context")
	}

	js.pool = newPool(cfg.PoolCapacity, cfg.MaxParents, cfg.MaxChildren)
	js.barriers = make([]Barrier, cfg.MaxBarriers)
	js.monitor = newMonitor(n, cfg.StatsQueueCapacity, cfg.Logger)
	js.sched = newScheduler(cfg.Scheduler, n, js.monitor)

	if cfg.ProfileStore != nil {
		if err := js.loadProfile(ctx); err != nil {
			return nil, err
		}
	}

	js.workers = make([]*worker, n)
	for tid := range n {
		js.workers[tid] = newWorker(js, tid, n)
	}

	js.running.Store(true)
	for tid, w := range js.workers {
		if tid == 0 && cfg.ForegroundWork {
			continue
		}
		js.wg.Go(w.run)
	}

	js.logger.Debug("Ready", zap.Int("background_workers", n-btoi(cfg.ForegroundWork)))
	return js, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (js *JobSystem) loadProfile(ctx context.Context) error {
	store := js.cfg.ProfileStore
	p, err := store.Load(ctx)
	if err != nil {
		if profile.IsNotFound(err) {
			js.logger.Warn("Job profile not found, starting cold", zap.String("location", store.Location()))
			return nil
		}
		return fmt.Errorf("load job profile: %w", err)
	}
	js.monitor.LoadProfile(p)
	js.logger.Debug("Loaded job profile",
		zap.String("location", store.Location()),
		zap.Int("labels", len(p)),
	)
	return nil
}

// SaveProfile writes the monitor profile to the configured store.
func (js *JobSystem) SaveProfile(ctx context.Context) error {
	if js.cfg.ProfileStore == nil {
		return nil
	}
	if err := js.cfg.ProfileStore.Save(ctx, js.monitor.Profile()); err != nil {
		return fmt.Errorf("save job profile: %w", err)
	}
	return nil
}

// Workers returns the number of workers, including the main context.
func (js *JobSystem) Workers() int { return len(js.workers) }

// Config returns the effective configuration.
func (js *JobSystem) Config() Config { return js.cfg }

// Monitor returns the execution monitor.
func (js *JobSystem) Monitor() *Monitor { return js.monitor }

// IsBusy reports whether scheduled jobs remain unfinished.
func (js *JobSystem) IsBusy() bool { return js.pending.Load() > 0 }

// FreeSlots returns how many more jobs Create can allocate right now.
func (js *JobSystem) FreeSlots() int { return js.pool.available() }

// Pending returns the number of scheduled jobs not yet completed.
func (js *JobSystem) Pending() int64 { return js.pending.Load() }

// Create allocates an idle job. It runs only once scheduled, directly
// with Schedule or as the dependent of a scheduled job.
//
// Create panics with a *FatalError when the pool is exhausted.
func (js *JobSystem) Create(kernel func(), meta Metadata) (Handle, error) {
	if !js.running.Load() {
		return 0, &ConfigError{Op: "Create", Err: ErrShutdown}
	}
	h, _ := js.pool.alloc(kernel, meta)
	return h, nil
}

// Connect makes to depend on from. Both jobs must still be idle.
func (js *JobSystem) Connect(from, to Handle) error {
	js.pool.lock.Lock()
	err := js.pool.connect(from, to)
	js.pool.lock.Unlock()
	if err != nil {
		return &ConfigError{Op: "Connect", Handle: to, Err: err}
	}
	return nil
}

// Schedule submits the root job h. Every job reachable from h is counted
// as pending and attached to barrier; dependents are handed to workers as
// their dependencies complete.
func (js *JobSystem) Schedule(h Handle, barrier BarrierID) error {
	if !js.running.Load() {
		return &ConfigError{Op: "Schedule", Handle: h, Err: ErrShutdown}
	}
	var b *Barrier
	if barrier != NoBarrier {
		var err error
		if b, err = js.barrier(barrier); err != nil {
			return &ConfigError{Op: "Schedule", Handle: h, Err: err}
		}
	}

	js.pool.lock.Lock()
	n, err := js.accountLocked(h, barrier, b)
	js.pool.lock.Unlock()
	if err != nil {
		return &ConfigError{Op: "Schedule", Handle: h, Err: err}
	}

	js.trySchedule(h, n, -1)
	return nil
}

// accountLocked marks the subgraph rooted at h as scheduled and counts it
// into the pending total and the barrier. The caller holds the pool lock.
func (js *JobSystem) accountLocked(h Handle, id BarrierID, b *Barrier) (*node, error) {
	root, err := js.pool.get(h)
	if err != nil {
		return nil, err
	}
	if len(root.parents) > 0 {
		return nil, ErrHasDependencies
	}
	if root.scheduled.Load() || root.loadState() != Idle {
		return nil, ErrNotIdle
	}

	_, nodes, err := js.pool.subgraph(h)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if !n.scheduled.Load() && n.loadState() != Idle {
			return nil, ErrNotReady
		}
	}

	var count int64
	for _, n := range nodes {
		if n.scheduled.Load() {
			continue
		}
		n.barrier.Store(int32(id))
		n.scheduled.Store(true)
		count++
	}
	if b != nil {
		b.AddDependencies(count)
	}
	js.pending.Add(count)
	return root, nil
}

// trySchedule moves a ready job from Idle to Pending and hands it to the
// worker picked by the scheduler. Only one caller wins the transition.
func (js *JobSystem) trySchedule(h Handle, n *node, caller int) bool {
	if !n.casState(h, Idle, Pending) {
		return false
	}
	tid := js.sched.pick(n.meta, caller)
	w := js.workers[tid]
	stealable := n.meta.Affinity.Stealable()
	if tid == caller {
		w.push(h, stealable)
		if stealable && js.cfg.WorkStealing {
			js.wakeAll()
		}
		return true
	}
	w.submit(h)
	js.wakeAll()
	return true
}

// complete runs the bookkeeping after a kernel returned: dependents are
// released, the barrier is decremented and the slot is recycled unless
// the job is kept alive. w is nil when the caller ran the job.
func (js *JobSystem) complete(h Handle, n *node, w *worker) {
	n.setState(Processed)

	caller := -1
	if w != nil {
		caller = w.tid
	}
	for _, child := range n.children {
		cn, err := js.pool.get(child)
		if err != nil {
			continue
		}
		if cn.pending.Add(-1) == 0 && js.trySchedule(child, cn, caller) && w != nil {
			w.activity.Scheduled++
		}
	}

	barrier := BarrierID(n.barrier.Load())
	keep := n.keepAlive.Load()
	n.done.Store(true)
	if !keep {
		js.pool.release(h)
	}
	if barrier != NoBarrier {
		b := &js.barriers[barrier]
		b.RemoveDependency()
		b.reclaim()
	}
	js.pending.Add(-1)
}

// runKernel executes the kernel and returns how long it took. Panics
// propagate unless RecoverPanics is set.
func (js *JobSystem) runKernel(w *worker, n *node) time.Duration {
	start := time.Now()
	if n.kernel != nil {
		if js.cfg.RecoverPanics {
			js.runRecovered(w, n)
		} else {
			n.kernel()
		}
	}
	return time.Since(start)
}

func (js *JobSystem) runRecovered(w *worker, n *node) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		js.logger.Error("Job panicked",
			zap.String("label", n.meta.Label),
			zap.Error(&PanicError{Label: n.meta.Label, Value: r}),
			zap.Stack("stack"),
		)
		if w != nil {
			w.activity.Panics++
			w.panics.Add(1)
			return
		}
		js.callerPanics.Add(1)
	}()
	n.kernel()
}

func (js *JobSystem) wakeAll() {
	js.mu.Lock()
	js.wake.Broadcast()
	js.mu.Unlock()
}

// Submit creates and schedules a singular job.
func (js *JobSystem) Submit(kernel func(), meta Metadata) (Handle, error) {
	h, err := js.Create(kernel, meta)
	if err != nil {
		return 0, err
	}
	if err := js.Schedule(h, NoBarrier); err != nil {
		_ = js.Release(h)
		return 0, err
	}
	return h, nil
}

// Dispatch creates and schedules a job placed according to policy.
func (js *JobSystem) Dispatch(kernel func(), label string, policy Policy) (Handle, error) {
	return js.Submit(kernel, Metadata{Label: label, Affinity: policy.Affinity()})
}

// Async dispatches a job to the background workers.
func (js *JobSystem) Async(kernel func(), label string) (Handle, error) {
	return js.Dispatch(kernel, label, Async)
}

// Wait blocks until every scheduled job completed or cond returns false.
// A nil cond never interrupts. While waiting the caller executes jobs
// queued on the main context. A wait that ran to completion ends the
// dispatch cycle and resets worker loads.
func (js *JobSystem) Wait(cond func() bool) {
	if js.waitUntil("Wait", func() bool { return !js.IsBusy() }, cond) {
		js.monitor.Wrap()
	}
}

// WaitFor blocks until job h completed or cond returns false. It returns
// true if the job completed.
func (js *JobSystem) WaitFor(h Handle, cond func() bool) bool {
	return js.waitUntil("WaitFor", func() bool { return js.IsWorkDone(h) }, cond)
}

// WaitOnBarrier blocks until every job attached to the barrier completed
// or cond returns false.
func (js *JobSystem) WaitOnBarrier(id BarrierID, cond func() bool) error {
	b, err := js.barrier(id)
	if err != nil {
		return &ConfigError{Op: "WaitOnBarrier", Err: err}
	}
	js.waitUntil("WaitOnBarrier", b.Finished, cond)
	return nil
}

// waitUntil polls done, assisting the workers in between. It never blocks
// on the wake condition: a caller sleeping there could miss the wakeup of
// the last job, so it keeps polling, running main-context jobs when it can
// and re-signalling the workers when it cannot.
func (js *JobSystem) waitUntil(op string, done, cond func() bool) bool {
	var idle time.Duration
	resignal := rate.Sometimes{Interval: js.cfg.ResignalInterval}

	for !done() {
		if (cond != nil && !cond()) || !js.running.Load() {
			js.logger.Debug("Wait interrupted before work completed",
				zap.String("op", op),
				zap.Bool("running", js.running.Load()),
			)
			js.flushForeground(idle)
			return false
		}
		if js.foregroundWork() {
			continue
		}
		start := time.Now()
		resignal.Do(js.wakeAll)
		runtime.Gosched()
		idle += time.Since(start)
	}

	js.flushForeground(idle)
	return true
}

// foregroundWork executes one job as worker 0, if the caller can take
// ownership of it.
func (js *JobSystem) foregroundWork() bool {
	if !js.cfg.ForegroundWork || !js.fg.TryLock() {
		return false
	}
	defer js.fg.Unlock()

	w := js.workers[0]
	h, ok := w.next()
	if !ok {
		return false
	}
	return w.execute(h)
}

func (js *JobSystem) flushForeground(idle time.Duration) {
	if js.cfg.ForegroundWork && js.fg.TryLock() {
		w := js.workers[0]
		w.activity.Idle += idle
		js.monitor.ReportActivity(w.activity)
		w.activity.reset()
		js.fg.Unlock()
	}
	js.monitor.Update()
}

// IsWorkDone reports whether job h completed. A handle whose slot was
// already recycled counts as done.
func (js *JobSystem) IsWorkDone(h Handle) bool {
	n, err := js.pool.get(h)
	if err != nil {
		return true
	}
	return n.done.Load()
}

// State returns the lifecycle state of job h.
func (js *JobSystem) State(h Handle) (State, error) {
	n, err := js.pool.get(h)
	if err != nil {
		return Idle, &ConfigError{Op: "State", Handle: h, Err: err}
	}
	return n.loadState(), nil
}

// SetKeepAlive controls whether job h survives completion. A kept-alive
// job can be Reset and scheduled again, and must eventually be Released.
func (js *JobSystem) SetKeepAlive(h Handle, keep bool) error {
	n, err := js.pool.get(h)
	if err != nil {
		return &ConfigError{Op: "SetKeepAlive", Handle: h, Err: err}
	}
	n.keepAlive.Store(keep)
	return nil
}

// Reset restores the processed keep-alive subgraph rooted at h to Idle,
// with dependency counts as they were after construction. Barrier
// attachments are cleared; pass a barrier to Schedule again to re-arm.
func (js *JobSystem) Reset(h Handle) error {
	js.pool.lock.Lock()
	err := js.pool.reset(h)
	js.pool.lock.Unlock()
	if err != nil {
		return &ConfigError{Op: "Reset", Handle: h, Err: err}
	}
	return nil
}

// Release returns job h to the pool. The job must be idle and
// unscheduled, or completed.
func (js *JobSystem) Release(h Handle) error {
	n, err := js.pool.get(h)
	if err != nil {
		return &ConfigError{Op: "Release", Handle: h, Err: err}
	}
	idle := n.loadState() == Idle && !n.scheduled.Load()
	if !idle && !n.done.Load() {
		return &ConfigError{Op: "Release", Handle: h, Err: ErrNotReady}
	}
	js.pool.release(h)
	return nil
}

// TryPreemptAndExecute runs a singular job (no dependencies, no
// dependents) on the calling goroutine if no worker has started it yet.
// A queued copy is skipped by its worker. It returns false if the job was
// already running or done.
func (js *JobSystem) TryPreemptAndExecute(h Handle) (bool, error) {
	n, err := js.pool.get(h)
	if err != nil {
		return false, &ConfigError{Op: "TryPreemptAndExecute", Handle: h, Err: err}
	}

	// Edges are only touched under the pool lock, and release bumps the
	// generation before taking it.
	claimed := false
	js.pool.lock.Lock()
	if n.generation() != h.generation() {
		js.pool.lock.Unlock()
		return false, nil
	}
	if len(n.parents) != 0 || len(n.children) != 0 {
		js.pool.lock.Unlock()
		return false, &ConfigError{Op: "TryPreemptAndExecute", Handle: h, Err: ErrNotSingular}
	}
	if n.casState(h, Idle, Preempted) {
		if !n.scheduled.Swap(true) {
			js.pending.Add(1)
		}
		claimed = true
	}
	js.pool.lock.Unlock()
	if !claimed && !n.casState(h, Pending, Preempted) {
		return false, nil
	}

	n.setState(Executing)
	elapsed := js.runKernel(nil, n)
	js.monitor.ReportJob(n.meta.Label, elapsed)
	js.complete(h, n, nil)
	return true, nil
}

// CreateBarrier claims a free barrier slot.
func (js *JobSystem) CreateBarrier() (BarrierID, error) {
	for i := range js.barriers {
		if js.barriers[i].MarkUsed(false, true) {
			return BarrierID(i), nil
		}
	}
	return NoBarrier, &ConfigError{Op: "CreateBarrier", Err: ErrBarrierExhausted}
}

// DestroyBarrier releases a finished barrier slot.
func (js *JobSystem) DestroyBarrier(id BarrierID) error {
	b, err := js.barrier(id)
	if err != nil {
		return &ConfigError{Op: "DestroyBarrier", Err: err}
	}
	if !b.Finished() {
		return &ConfigError{Op: "DestroyBarrier", Err: ErrBarrierInUse}
	}
	if !b.MarkUsed(true, false) {
		return &ConfigError{Op: "DestroyBarrier", Err: ErrBarrierUnused}
	}
	return nil
}

// RetireBarrier gives up a claimed barrier whose jobs may still be
// running. The slot returns to the pool once the last attached job
// completed, which may be right away.
func (js *JobSystem) RetireBarrier(id BarrierID) error {
	b, err := js.barrier(id)
	if err != nil {
		return &ConfigError{Op: "RetireBarrier", Err: err}
	}
	b.retired.Store(true)
	b.reclaim()
	return nil
}

// Barrier returns the claimed barrier id.
func (js *JobSystem) Barrier(id BarrierID) (*Barrier, error) {
	b, err := js.barrier(id)
	if err != nil {
		return nil, &ConfigError{Op: "Barrier", Err: err}
	}
	return b, nil
}

func (js *JobSystem) barrier(id BarrierID) (*Barrier, error) {
	if id < 0 || int(id) >= len(js.barriers) {
		return nil, fmt.Errorf("%w: id %d out of range", ErrBarrierUnused, id)
	}
	b := &js.barriers[id]
	if !b.InUse() {
		return nil, ErrBarrierUnused
	}
	return b, nil
}

// Shutdown waits for scheduled jobs, stops and joins the workers, then
// saves the job profile. If ctx ends first, remaining jobs are abandoned.
func (js *JobSystem) Shutdown(ctx context.Context) error {
	var err error
	js.stopOnce.Do(func() { err = js.shutdown(ctx) })
	return err
}

func (js *JobSystem) shutdown(ctx context.Context) error {
	js.logger.Info("Shutting down")
	js.logger.Debug("Waiting for jobs to finish", zap.Int64("pending", js.Pending()))
	js.Wait(func() bool { return ctx.Err() == nil })

	js.stop()
	joined := make(chan struct{})
	go func() {
		js.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		return fmt.Errorf("join workers: %w", ctx.Err())
	}
	js.logger.Debug("All workers have joined")

	js.monitor.Update()
	for tid := range js.workers {
		js.monitor.LogStatistics(tid)
	}

	if err := js.SaveProfile(ctx); err != nil {
		js.logger.Error("Failed to save job profile", zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for jobs: %w", err)
	}

	js.logger.Info("Shutdown complete")
	return nil
}

func (js *JobSystem) stop() {
	js.running.Store(false)
	js.wakeAll()
}

// Abort stops the workers as soon as their current job returns, then runs
// every essential job still queued on the calling goroutine. Other queued
// jobs are dropped. It returns the number of essential jobs executed.
func (js *JobSystem) Abort() int {
	js.stopOnce.Do(func() {
		js.stop()
		js.wg.Wait()
	})

	js.fg.Lock()
	defer js.fg.Unlock()

	js.logger.Warn("Essential work transferred to caller")
	ran := 0
	for _, w := range js.workers {
		ran += w.essentials()
	}
	js.logger.Info("Abort complete", zap.Int("essential_jobs", ran))
	return ran
}
