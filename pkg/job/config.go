package job

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/pkg/profile"
)

// MaxWorkerCount is the largest pool the affinity hint can address.
const MaxWorkerCount = int(tidHintMask) + 1

// Config configures a JobSystem.
type Config struct {
	// MaxWorkers caps the number of workers, including the main context.
	// Zero means one worker per CPU core.
	// Default: 0
	MaxWorkers int

	// WorkStealing lets idle workers take stealable jobs from siblings.
	// Default: true
	WorkStealing bool

	// MaxStealingAttempts bounds the sibling queues probed per steal.
	// Default: 16
	MaxStealingAttempts int

	// Scheduler selects the placement algorithm.
	// Default: RoundRobin
	Scheduler Algorithm

	// ForegroundWork makes worker 0 the calling context: it only executes
	// jobs while a caller waits. When false, worker 0 runs in the
	// background like every other worker.
	// Default: true
	ForegroundWork bool

	// MaxBarriers is the size of the barrier pool.
	// Default: 16
	MaxBarriers int

	// PoolCapacity is the number of jobs that may be alive at once.
	// Exceeding it is fatal.
	// Default: 8192
	PoolCapacity int

	// QueueCapacity is the size of each worker deque. Jobs that do not fit
	// spill into an unbounded owner-local list.
	// Default: 1024
	QueueCapacity int

	// StatsQueueCapacity is the size of the monitor activity queue.
	// Default: 128
	StatsQueueCapacity int

	// MaxParents and MaxChildren bound the dependency edges per job.
	// Default: 4 and 8
	MaxParents  int
	MaxChildren int

	// RecoverPanics catches kernel panics, logs them and completes the job.
	// By default a panicking kernel is not intercepted and takes the
	// process down.
	// Default: false
	RecoverPanics bool

	// ResignalInterval throttles how often a waiting caller that cannot
	// assist wakes the workers.
	// Default: 1ms
	ResignalInterval time.Duration

	// Logger receives diagnostics. Nil means no logging.
	Logger *zap.Logger

	// ProfileStore, when set, seeds the monitor at startup and receives
	// the measured profile at shutdown.
	ProfileStore profile.Store

	// CPUCores overrides CPU detection. Zero means runtime.NumCPU().
	CPUCores int
}

// DefaultConfig returns the default job system configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          0,
		WorkStealing:        true,
		MaxStealingAttempts: 16,
		Scheduler:           RoundRobin,
		ForegroundWork:      true,
		MaxBarriers:         16,
		PoolCapacity:        1024 * 8,
		QueueCapacity:       1024,
		StatsQueueCapacity:  128,
		MaxParents:          4,
		MaxChildren:         8,
		ResignalInterval:    time.Millisecond,
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.MaxWorkers < 0 {
		result = multierror.Append(result, fmt.Errorf("max workers must not be negative, got %d", c.MaxWorkers))
	}
	if c.WorkStealing && c.MaxStealingAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("max stealing attempts must be positive, got %d", c.MaxStealingAttempts))
	}
	if _, err := ParseAlgorithm(string(c.Scheduler)); err != nil {
		result = multierror.Append(result, err)
	}
	if c.MaxBarriers < 0 {
		result = multierror.Append(result, fmt.Errorf("max barriers must not be negative, got %d", c.MaxBarriers))
	}
	if c.PoolCapacity <= 0 || c.PoolCapacity > math.MaxInt32 {
		result = multierror.Append(result, fmt.Errorf("pool capacity out of range, got %d", c.PoolCapacity))
	}
	if c.QueueCapacity <= 0 {
		result = multierror.Append(result, fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.StatsQueueCapacity <= 0 {
		result = multierror.Append(result, fmt.Errorf("stats queue capacity must be positive, got %d", c.StatsQueueCapacity))
	}
	if c.MaxParents <= 0 || c.MaxChildren <= 0 {
		result = multierror.Append(result, fmt.Errorf("edge capacities must be positive, got parents=%d children=%d", c.MaxParents, c.MaxChildren))
	}
	return result.ErrorOrNil()
}

// cpuCores returns the detected or overridden core count.
func (c Config) cpuCores() int {
	if c.CPUCores > 0 {
		return c.CPUCores
	}
	return runtime.NumCPU()
}

// workerCount is min(MaxWorkers, cores), with slot 0 always present.
func (c Config) workerCount() int {
	cores := c.cpuCores()
	n := cores
	if c.MaxWorkers > 0 {
		n = min(c.MaxWorkers, cores)
	}
	return max(1, min(n, MaxWorkerCount))
}
