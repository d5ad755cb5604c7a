package job

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gojobs/pkg/profile"
	"github.com/3leaps/gojobs/pkg/workqueue"
)

// WorkerActivity is what a worker did during one cycle, between two sleeps.
type WorkerActivity struct {
	TID       int
	Active    time.Duration
	Idle      time.Duration
	Executed  int64
	Stolen    int64
	Scheduled int64
	Panics    int64
}

func (a *WorkerActivity) reset() {
	tid := a.TID
	*a = WorkerActivity{TID: tid}
}

// WorkerStats accumulates the activity reports of one worker.
type WorkerStats struct {
	ActiveTime time.Duration `json:"active_time"`
	IdleTime   time.Duration `json:"idle_time"`
	Executed   int64         `json:"executed"`
	Stolen     int64         `json:"stolen"`
	Scheduled  int64         `json:"scheduled"`
	Panics     int64         `json:"panics"`
	Cycles     int64         `json:"cycles"`
}

// ActivityRatio returns the fraction of time spent executing jobs.
func (s WorkerStats) ActivityRatio() float64 {
	total := s.ActiveTime + s.IdleTime
	if total <= 0 {
		return 0
	}
	return float64(s.ActiveTime) / float64(total)
}

// JobsPerCycle returns the mean number of jobs executed between sleeps.
func (s WorkerStats) JobsPerCycle() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Executed) / float64(s.Cycles)
}

// Monitor tracks job execution times per label and the load of each
// worker. The scheduler reads its data without locking; stale values are
// expected and harmless.
type Monitor struct {
	logger *zap.Logger

	// sizes maps a label to *atomic.Int64 holding the moving average
	// execution time in nanoseconds.
	sizes sync.Map
	load  []atomic.Int64

	activity *workqueue.Ring[WorkerActivity]
	dropped  atomic.Int64

	mu    sync.Mutex
	stats []WorkerStats
}

func newMonitor(workers, queueCapacity int, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:   logger.With(zap.String("component", "Monitor")),
		load:     make([]atomic.Int64, workers),
		activity: workqueue.NewRing[WorkerActivity](queueCapacity),
		stats:    make([]WorkerStats, workers),
	}
}

// ReportActivity queues a worker activity sample. It never blocks; when the
// queue is full the sample is dropped and counted.
func (m *Monitor) ReportActivity(a WorkerActivity) {
	if !m.activity.Push(a) {
		m.dropped.Add(1)
	}
}

// Dropped returns how many activity samples were lost to a full queue.
func (m *Monitor) Dropped() int64 { return m.dropped.Load() }

// ReportJob folds an execution time sample into the label average:
// new = (old + sample) / 2. Unlabeled jobs are ignored.
func (m *Monitor) ReportJob(label string, d time.Duration) {
	if label == "" {
		return
	}
	d = d.Truncate(profile.Resolution)
	v, loaded := m.sizes.LoadOrStore(label, newDuration(d))
	if !loaded {
		return
	}
	avg := v.(*atomic.Int64)
	for {
		old := avg.Load()
		next := ((time.Duration(old) + d) / 2).Truncate(profile.Resolution)
		if avg.CompareAndSwap(old, int64(next)) {
			return
		}
	}
}

func newDuration(d time.Duration) *atomic.Int64 {
	v := new(atomic.Int64)
	v.Store(int64(d))
	return v
}

// JobSize returns the average execution time recorded for label.
func (m *Monitor) JobSize(label string) (time.Duration, bool) {
	if label == "" {
		return 0, false
	}
	v, ok := m.sizes.Load(label)
	if !ok {
		return 0, false
	}
	return time.Duration(v.(*atomic.Int64).Load()), true
}

// Load returns the cumulative expected cost assigned to worker tid since
// the last Wrap.
func (m *Monitor) Load(tid int) time.Duration {
	return time.Duration(m.load[tid].Load())
}

// AddLoad charges d to worker tid.
func (m *Monitor) AddLoad(tid int, d time.Duration) {
	m.load[tid].Add(int64(d))
}

// Wrap resets per-worker loads at the end of a dispatch cycle.
func (m *Monitor) Wrap() {
	for i := range m.load {
		m.load[i].Store(0)
	}
}

// Update drains queued activity reports into the per-worker statistics.
// Safe to call from several goroutines; only one drains at a time.
func (m *Monitor) Update() {
	if !m.mu.TryLock() {
		return
	}
	defer m.mu.Unlock()
	m.drainLocked()
}

func (m *Monitor) drainLocked() {
	for {
		a, ok := m.activity.Pop()
		if !ok {
			return
		}
		if a.TID < 0 || a.TID >= len(m.stats) {
			continue
		}
		s := &m.stats[a.TID]
		s.ActiveTime += a.Active
		s.IdleTime += a.Idle
		s.Executed += a.Executed
		s.Stolen += a.Stolen
		s.Scheduled += a.Scheduled
		s.Panics += a.Panics
		s.Cycles++
	}
}

// Statistics returns the accumulated statistics of worker tid, after
// draining pending reports.
func (m *Monitor) Statistics(tid int) WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainLocked()
	return m.stats[tid]
}

// LogStatistics writes the statistics of worker tid at debug level.
func (m *Monitor) LogStatistics(tid int) {
	s := m.Statistics(tid)
	if s.Cycles == 0 {
		m.logger.Debug("Worker statistics", zap.Int("tid", tid), zap.Int64("cycles", 0))
		return
	}
	m.logger.Debug("Worker statistics",
		zap.Int("tid", tid),
		zap.Int64("cycles", s.Cycles),
		zap.Duration("mean_active", s.ActiveTime/time.Duration(s.Cycles)),
		zap.Duration("mean_idle", s.IdleTime/time.Duration(s.Cycles)),
		zap.Float64("activity_pct", 100*s.ActivityRatio()),
		zap.Int64("executed", s.Executed),
		zap.Int64("stolen", s.Stolen),
		zap.Int64("scheduled", s.Scheduled),
		zap.Int64("panics", s.Panics),
		zap.Float64("jobs_per_cycle", s.JobsPerCycle()),
	)
}

// Profile returns a snapshot of the label averages.
func (m *Monitor) Profile() profile.Profile {
	p := make(profile.Profile)
	m.sizes.Range(func(k, v any) bool {
		p[k.(string)] = time.Duration(v.(*atomic.Int64).Load())
		return true
	})
	return p
}

// LoadProfile seeds label averages from a stored profile. Labels already
// measured in this process keep their value.
func (m *Monitor) LoadProfile(p profile.Profile) {
	for label, d := range p {
		if label == "" || d < 0 {
			continue
		}
		m.sizes.LoadOrStore(label, newDuration(d.Truncate(profile.Resolution)))
	}
}
