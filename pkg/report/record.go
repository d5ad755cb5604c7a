// Package report provides JSONL output for job-system runs.
//
// Each line is a typed record envelope carrying a job, worker, progress,
// error, or summary payload. Lines are self-contained JSON objects that can
// be parsed independently.
package report

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gojobs.<type>.v<version>
const (
	// TypeJob identifies per-job timing records.
	TypeJob = "gojobs.job.v1"

	// TypeWorker identifies per-worker statistics records.
	TypeWorker = "gojobs.worker.v1"

	// TypeError identifies error records.
	TypeError = "gojobs.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "gojobs.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gojobs.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gojobs.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates all records of one run.
	RunID string `json:"run_id"`

	// Workload names the graph that was executed (e.g., "diamond").
	Workload string `json:"workload"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for one label's timing.
type JobRecord struct {
	Label string `json:"label"`

	// Count is the number of jobs run under this label.
	Count int64 `json:"count"`

	// Average is the moving average the monitor holds for the label.
	Average time.Duration `json:"average_ns"`
}

// WorkerRecord is the data payload for one worker's statistics.
type WorkerRecord struct {
	TID           int           `json:"tid"`
	State         string        `json:"state"`
	Executed      int64         `json:"executed"`
	Stolen        int64         `json:"stolen"`
	Panics        int64         `json:"panics"`
	Cycles        int64         `json:"cycles"`
	ActiveTime    time.Duration `json:"active_ns"`
	IdleTime      time.Duration `json:"idle_ns"`
	ActivityRatio float64       `json:"activity_ratio"`
	JobsPerCycle  float64       `json:"jobs_per_cycle"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the report, so a run
// that partially failed still produces its statistics.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Label is the job label related to this error, if applicable.
	Label string `json:"label,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodePanic indicates a job kernel panicked.
	ErrCodePanic = "PANIC"

	// ErrCodeTimeout indicates the run did not finish in time.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeProfile indicates the execution profile could not be loaded or saved.
	ErrCodeProfile = "PROFILE"

	// ErrCodeCapacity indicates the graph did not fit the job pool or the
	// per-job edge capacity.
	ErrCodeCapacity = "CAPACITY"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// Completed is the number of jobs finished so far.
	Completed int64 `json:"completed"`

	// Total is the number of jobs in the run.
	Total int64 `json:"total"`

	// Pending is the job system's pending counter at the time of the record.
	Pending int64 `json:"pending"`
}

// Progress phase constants.
const (
	PhaseStarting  = "starting"
	PhaseBuilding  = "building"
	PhaseExecuting = "executing"
	PhaseComplete  = "complete"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Jobs      int64  `json:"jobs"`
	Workers   int    `json:"workers"`
	Scheduler string `json:"scheduler"`
	Stealing  bool   `json:"work_stealing"`

	// Duration is the wall-clock time from first schedule to completion.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Stolen int64 `json:"stolen"`
	Errors int64 `json:"errors"`

	// Labels lists the labels that were executed.
	Labels []string `json:"labels,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "report: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
