package job

import "sync/atomic"

// Node is anything backed by a job handle.
type Node interface {
	Handle() Handle
}

// Handle returns h itself, so plain handles can be used as a Node.
func (h Handle) Handle() Handle { return h }

// Task is a job whose result is captured when it runs, like a promise.
// A panic in the task function is recovered and reported as its error.
type Task[T any] struct {
	js     *JobSystem
	h      Handle
	done   atomic.Bool
	result T
	err    error
}

// NewTask creates an idle task. Schedule it (or connect it under a
// scheduled job) to run it.
func NewTask[T any](js *JobSystem, meta Metadata, fn func() (T, error)) (*Task[T], error) {
	t := &Task[T]{js: js}
	h, err := js.Create(t.kernel(meta.Label, fn), meta)
	if err != nil {
		return nil, err
	}
	t.h = h
	return t, nil
}

func (t *Task[T]) kernel(label string, fn func() (T, error)) func() {
	return func() {
		defer t.done.Store(true)
		defer func() {
			if r := recover(); r != nil {
				t.err = &PanicError{Label: label, Value: r}
			}
		}()
		t.result, t.err = fn()
	}
}

// Handle returns the job handle of the task.
func (t *Task[T]) Handle() Handle { return t.h }

// Schedule submits the task and everything that depends on it.
func (t *Task[T]) Schedule(barrier BarrierID) error {
	return t.js.Schedule(t.h, barrier)
}

// Then makes child run after this task.
func (t *Task[T]) Then(child Node) error {
	return t.js.Connect(t.h, child.Handle())
}

// After makes this task run after parent.
func (t *Task[T]) After(parent Node) error {
	return t.js.Connect(parent.Handle(), t.h)
}

// Done reports whether the task function returned.
func (t *Task[T]) Done() bool { return t.done.Load() }

// Wait blocks until the task ran or cond returns false, assisting the
// workers meanwhile. It reports whether the task ran.
func (t *Task[T]) Wait(cond func() bool) bool {
	return t.js.waitUntil("Task.Wait", t.Done, cond)
}

// Result returns the task outcome. It fails with ErrNotReady if the task
// has not run yet.
func (t *Task[T]) Result() (T, error) {
	if !t.done.Load() {
		var zero T
		return zero, &ConfigError{Op: "Result", Handle: t.h, Err: ErrNotReady}
	}
	return t.result, t.err
}

// TryPreemptAndExecute runs the task on the caller if no worker started
// it yet.
func (t *Task[T]) TryPreemptAndExecute() (bool, error) {
	return t.js.TryPreemptAndExecute(t.h)
}
