package job

import "fmt"

// State is the lifecycle state of a job.
type State int32

const (
	// Idle jobs are allocated but not yet handed to a worker.
	Idle State = iota
	// Pending jobs sit in a worker queue.
	Pending
	// Preempted jobs were claimed by TryPreemptAndExecute.
	Preempted
	// Executing jobs are running their kernel.
	Executing
	// Processed jobs have finished running.
	Processed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Preempted:
		return "preempted"
	case Executing:
		return "executing"
	case Processed:
		return "processed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
