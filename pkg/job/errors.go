package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for job system operations.
var (
	// ErrInvalidHandle indicates a handle that does not refer to a live job.
	// Handles go stale once their job is returned to the pool.
	ErrInvalidHandle = errors.New("invalid job handle")

	// ErrEdgeCapacity indicates a dependency edge would exceed the fixed
	// fan-in or fan-out capacity of a job.
	ErrEdgeCapacity = errors.New("dependency edge capacity exceeded")

	// ErrNotIdle indicates the job has already been scheduled.
	ErrNotIdle = errors.New("job is not idle")

	// ErrNotReady indicates the job cannot be reset or released yet.
	ErrNotReady = errors.New("job is not ready")

	// ErrPoolExhausted indicates the job pool has no free slot.
	ErrPoolExhausted = errors.New("job pool exhausted")

	// ErrBarrierExhausted indicates every barrier slot is in use.
	ErrBarrierExhausted = errors.New("no free barrier")

	// ErrBarrierInUse indicates a barrier still has pending jobs.
	ErrBarrierInUse = errors.New("barrier has pending jobs")

	// ErrBarrierUnused indicates the barrier id was never claimed.
	ErrBarrierUnused = errors.New("barrier not in use")

	// ErrHasDependencies indicates an attempt to schedule a job that has
	// in-edges. Only graph roots are scheduled explicitly.
	ErrHasDependencies = errors.New("job has unfinished dependencies")

	// ErrNotSingular indicates an attempt to preempt a job that is part of
	// a dependency graph.
	ErrNotSingular = errors.New("job is not singular")

	// ErrShutdown indicates the job system is no longer running.
	ErrShutdown = errors.New("job system shut down")
)

// ConfigError reports a misuse of the job system API with context.
type ConfigError struct {
	// Op is the operation that failed (e.g., "Connect", "Schedule").
	Op string

	// Handle is the job involved, if any.
	Handle Handle

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Handle.Valid() {
		return fmt.Sprintf("job %s %s: %v", e.Op, e.Handle, e.Err)
	}
	return fmt.Sprintf("job %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FatalError is the panic value raised when the job system hits a capacity
// limit it cannot recover from. Pool and queue sizes are deployment-time
// decisions; running out means the configuration is wrong.
type FatalError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("job system fatal: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking kernel.
type PanicError struct {
	Label string
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("job %q panicked: %v", e.Label, e.Value)
	}
	return fmt.Sprintf("job panicked: %v", e.Value)
}

func fatal(op string, err error) {
	panic(&FatalError{Op: op, Err: err})
}

// IsInvalidHandle returns true if the error is due to a stale or zero handle.
func IsInvalidHandle(err error) bool {
	return errors.Is(err, ErrInvalidHandle)
}

// IsEdgeCapacity returns true if the error is due to edge overflow.
func IsEdgeCapacity(err error) bool {
	return errors.Is(err, ErrEdgeCapacity)
}

// IsNotIdle returns true if the error is due to a job that already left Idle.
func IsNotIdle(err error) bool {
	return errors.Is(err, ErrNotIdle)
}

// IsShutdown returns true if the job system is no longer running.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}
