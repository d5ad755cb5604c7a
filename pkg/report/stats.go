package report

import (
	"context"

	"github.com/3leaps/gojobs/pkg/job"
)

// WorkerRecords converts a job-system snapshot into one record per worker.
func WorkerRecords(s job.Stats) []WorkerRecord {
	out := make([]WorkerRecord, 0, len(s.PerWorker))
	for _, w := range s.PerWorker {
		out = append(out, WorkerRecord{
			TID:           w.TID,
			State:         w.State,
			Executed:      w.Executed,
			Stolen:        w.Stolen,
			Panics:        w.Panics,
			Cycles:        w.Totals.Cycles,
			ActiveTime:    w.Totals.ActiveTime,
			IdleTime:      w.Totals.IdleTime,
			ActivityRatio: w.Totals.ActivityRatio(),
			JobsPerCycle:  w.Totals.JobsPerCycle(),
		})
	}
	return out
}

// WriteStats emits one worker record per worker of the snapshot.
func WriteStats(ctx context.Context, w Writer, s job.Stats) error {
	for _, rec := range WorkerRecords(s) {
		if err := w.WriteWorker(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}
