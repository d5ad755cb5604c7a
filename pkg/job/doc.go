// Package job implements a multi-threaded job system.
//
// Jobs are small units of work (kernels) executed by a fixed pool of
// workers. Jobs may depend on each other; a job only becomes visible to
// workers once every job it depends on has been processed. Each worker owns
// a work-stealing deque pair, and idle workers steal stealable jobs from
// their siblings.
//
// Worker 0 is reserved for the calling context. With foreground work
// enabled it has no goroutine of its own: jobs placed on it run while a
// caller is inside Wait, WaitFor or WaitOnBarrier, which execute queued
// jobs instead of spinning idle.
//
// Basic usage:
//
//	js, err := job.New(ctx, job.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer js.Shutdown(ctx)
//
//	a, _ := js.Create(loadAssets, job.Metadata{Label: "assets/load"})
//	b, _ := js.Create(buildScene, job.Metadata{Label: "scene/build"})
//	if err := js.Connect(a, b); err != nil {
//		return err
//	}
//	if err := js.Schedule(a, job.NoBarrier); err != nil {
//		return err
//	}
//	js.WaitFor(b, nil)
//
// Kernel panics are not recovered unless Config.RecoverPanics is set.
package job
