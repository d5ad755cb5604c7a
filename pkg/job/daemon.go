package job

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownDaemon indicates a daemon handle that is not registered.
var ErrUnknownDaemon = errors.New("unknown daemon")

// DaemonSchedule controls how often a daemon is rescheduled.
type DaemonSchedule struct {
	// Interval between two runs.
	Interval time.Duration

	// Cooldown before the first run. Counts down between Update calls.
	Cooldown time.Duration

	// TTL, when positive, is the number of runs left before the daemon is
	// removed automatically.
	TTL int64
}

// DaemonHandle identifies a daemon.
type DaemonHandle uint64

type daemon struct {
	job      Handle
	schedule DaemonSchedule
	dead     atomic.Bool
}

// DaemonScheduler runs recurring jobs. Each daemon is a kept-alive job
// that Update resets and schedules again whenever its cooldown expires.
// Update must be called regularly, typically once per frame or tick.
type DaemonScheduler struct {
	js     *JobSystem
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	daemons map[DaemonHandle]*daemon
	next    DaemonHandle
	last    time.Time
}

// NewDaemonScheduler creates a daemon scheduler on top of js.
func NewDaemonScheduler(js *JobSystem) *DaemonScheduler {
	return newDaemonScheduler(js, time.Now)
}

func newDaemonScheduler(js *JobSystem, now func() time.Time) *DaemonScheduler {
	return &DaemonScheduler{
		js:      js,
		logger:  js.cfg.Logger.With(zap.String("component", "DaemonScheduler")),
		now:     now,
		daemons: make(map[DaemonHandle]*daemon),
		last:    now(),
	}
}

// Create registers a daemon. The kernel returns false to stop the daemon.
// A panicking kernel is logged and stops the daemon.
func (ds *DaemonScheduler) Create(kernel func() bool, schedule DaemonSchedule, meta Metadata) (DaemonHandle, error) {
	d := &daemon{schedule: schedule}
	h, err := ds.js.Create(ds.wrap(d, kernel), meta)
	if err != nil {
		return 0, err
	}
	if err := ds.js.SetKeepAlive(h, true); err != nil {
		return 0, err
	}
	d.job = h

	ds.mu.Lock()
	hnd := ds.next
	ds.next++
	ds.daemons[hnd] = d
	ds.mu.Unlock()

	ds.logger.Debug("New daemon",
		zap.Uint64("daemon", uint64(hnd)),
		zap.Duration("interval", schedule.Interval),
		zap.Duration("cooldown", schedule.Cooldown),
		zap.Int64("ttl", schedule.TTL),
		zap.Int("tid_hint", meta.Affinity.Hint()),
		zap.Bool("balanced", meta.Affinity.Balanced()),
		zap.Bool("stealable", meta.Affinity.Stealable()),
	)
	return hnd, nil
}

func (ds *DaemonScheduler) wrap(d *daemon, kernel func() bool) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				ds.logger.Error("Daemon panicked and will be stopped", zap.Any("panic", r))
				d.dead.Store(true)
			}
		}()
		if !kernel() {
			d.dead.Store(true)
		}
	}
}

// Kill stops a daemon. Its job is released by the next Update once it is
// no longer running.
func (ds *DaemonScheduler) Kill(hnd DaemonHandle) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	d, ok := ds.daemons[hnd]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDaemon, hnd)
	}
	d.dead.Store(true)
	return nil
}

// Len returns the number of registered daemons.
func (ds *DaemonScheduler) Len() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.daemons)
}

// Update advances every daemon cooldown by the time elapsed since the last
// call and reschedules the daemons that are due. A daemon still running
// from its previous run is retried on the next Update.
func (ds *DaemonScheduler) Update() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.now()
	delta := now.Sub(ds.last)
	ds.last = now

	for hnd, d := range ds.daemons {
		inFlight := !ds.idle(d.job)

		if d.dead.Load() {
			if inFlight {
				continue
			}
			_ = ds.js.Release(d.job)
			delete(ds.daemons, hnd)
			ds.logger.Debug("Killed daemon", zap.Uint64("daemon", uint64(hnd)))
			continue
		}

		d.schedule.Cooldown -= delta
		if d.schedule.Cooldown > 0 || inFlight {
			continue
		}
		d.schedule.Cooldown = d.schedule.Interval

		last := false
		if d.schedule.TTL > 0 {
			d.schedule.TTL--
			last = d.schedule.TTL == 0
		}
		if last {
			// The final run releases its own slot.
			_ = ds.js.SetKeepAlive(d.job, false)
			delete(ds.daemons, hnd)
			ds.logger.Debug("Daemon reached its ttl", zap.Uint64("daemon", uint64(hnd)))
		}

		if err := ds.js.Reset(d.job); err != nil {
			ds.logger.Error("Could not reset daemon", zap.Uint64("daemon", uint64(hnd)), zap.Error(err))
			continue
		}
		if err := ds.js.Schedule(d.job, NoBarrier); err != nil {
			ds.logger.Error("Could not schedule daemon", zap.Uint64("daemon", uint64(hnd)), zap.Error(err))
		}
	}
}

// idle reports whether the daemon job is not queued or running.
func (ds *DaemonScheduler) idle(h Handle) bool {
	st, err := ds.js.State(h)
	if err != nil {
		return true
	}
	switch st {
	case Idle:
		return true
	case Processed:
		return ds.js.IsWorkDone(h)
	default:
		return false
	}
}

// Close stops every daemon, waits for running ones and releases their jobs.
func (ds *DaemonScheduler) Close() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for hnd, d := range ds.daemons {
		d.dead.Store(true)
		if !ds.idle(d.job) {
			ds.js.WaitFor(d.job, nil)
		}
		_ = ds.js.Release(d.job)
		delete(ds.daemons, hnd)
	}
}
