package workload

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/gojobs/pkg/job"
)

// RunOptions controls Run.
type RunOptions struct {
	// Progress is called at most once per ProgressInterval while the graph
	// executes, with the number of finished jobs.
	Progress         func(executed, total int64)
	ProgressInterval time.Duration

	// Verify checks the dependency order once the graph completed.
	Verify bool
}

// Result summarises one run.
type Result struct {
	Jobs     int64
	Executed int64
	Duration time.Duration
	Labels   map[string]int64
}

// Run schedules g on js and assists until it completed or ctx is done.
// The graph is attached to a fresh barrier when one is free; otherwise
// Run waits for the whole system to become idle.
func Run(ctx context.Context, js *job.JobSystem, g *Graph, opts RunOptions) (Result, error) {
	res := Result{Jobs: int64(g.Len()), Labels: g.LabelCounts()}

	barrier, err := js.CreateBarrier()
	if err != nil {
		barrier = job.NoBarrier
	}
	finished := false
	defer func() {
		// Jobs of an abandoned run may still be executing; the slot frees
		// itself once they are done.
		if barrier != job.NoBarrier && !finished {
			_ = js.RetireBarrier(barrier)
		}
	}()

	progress := rate.Sometimes{Interval: opts.ProgressInterval}
	cond := func() bool {
		if opts.Progress != nil {
			progress.Do(func() { opts.Progress(g.Executed(), res.Jobs) })
		}
		return ctx.Err() == nil
	}

	start := time.Now()
	if err := g.Schedule(js, barrier); err != nil {
		return res, err
	}
	if barrier != job.NoBarrier {
		if err := js.WaitOnBarrier(barrier, cond); err != nil {
			return res, err
		}
	} else {
		js.Wait(cond)
	}
	res.Duration = time.Since(start)
	res.Executed = g.Executed()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if barrier != job.NoBarrier {
		if err := js.DestroyBarrier(barrier); err != nil {
			return res, err
		}
		finished = true
	}
	if opts.Progress != nil {
		opts.Progress(res.Executed, res.Jobs)
	}
	if opts.Verify {
		if err := g.Verify(); err != nil {
			return res, err
		}
	}
	return res, nil
}
