package job

import "time"

// Stats is a point-in-time snapshot of the job system.
type Stats struct {
	Workers        int              `json:"workers"`
	Scheduler      Algorithm        `json:"scheduler"`
	ForegroundWork bool             `json:"foreground_work"`
	WorkStealing   bool             `json:"work_stealing"`
	Running        bool             `json:"running"`
	Pending        int64            `json:"pending"`
	PoolCapacity   int              `json:"pool_capacity"`
	PoolInUse      int64            `json:"pool_in_use"`
	BarriersInUse  int              `json:"barriers_in_use"`
	CallerPanics   int64            `json:"caller_panics"`
	DroppedReports int64            `json:"dropped_reports"`
	Labels         int              `json:"labels"`
	PerWorker      []WorkerSnapshot `json:"per_worker"`
}

// WorkerSnapshot describes one worker.
type WorkerSnapshot struct {
	TID      int           `json:"tid"`
	State    string        `json:"state"`
	Queued   int           `json:"queued"`
	Executed int64         `json:"executed"`
	Stolen   int64         `json:"stolen"`
	Panics   int64         `json:"panics"`
	Load     time.Duration `json:"load"`
	Totals   WorkerStats   `json:"totals"`
}

// Stats returns a snapshot of the system. Counters are read without
// synchronization and may be slightly stale.
func (js *JobSystem) Stats() Stats {
	s := Stats{
		Workers:        len(js.workers),
		Scheduler:      js.cfg.Scheduler,
		ForegroundWork: js.cfg.ForegroundWork,
		WorkStealing:   js.cfg.WorkStealing,
		Running:        js.running.Load(),
		Pending:        js.pending.Load(),
		PoolCapacity:   js.pool.capacity(),
		PoolInUse:      js.pool.inUse.Load(),
		CallerPanics:   js.callerPanics.Load(),
		DroppedReports: js.monitor.Dropped(),
		Labels:         len(js.monitor.Profile()),
		PerWorker:      make([]WorkerSnapshot, len(js.workers)),
	}
	for i := range js.barriers {
		if js.barriers[i].InUse() {
			s.BarriersInUse++
		}
	}
	for tid, w := range js.workers {
		state := w.State().String()
		if tid == 0 && js.cfg.ForegroundWork {
			state = "foreground"
		}
		s.PerWorker[tid] = WorkerSnapshot{
			TID:      tid,
			State:    state,
			Queued:   w.inbox.Len() + int(w.spilled.Load()) + w.private.Len() + w.public.Len(),
			Executed: w.executed.Load(),
			Stolen:   w.stolen.Load(),
			Panics:   w.panics.Load(),
			Load:     js.monitor.Load(tid),
			Totals:   js.monitor.Statistics(tid),
		}
	}
	return s
}
