package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/job"
	"github.com/3leaps/gojobs/pkg/report"
	"github.com/3leaps/gojobs/pkg/workload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic job graph",
	Long: `Build a job graph of the given shape, execute it on the job system and
write JSONL records (progress, per-label timings, per-worker statistics and
a summary) to stdout or a file.

Shapes:
  chain     a -> b -> c ...
  diamond   stacked fan-out/fan-in stages
  random    random DAG (seeded)
  batch     independent jobs, one cost tier per label

Examples:
  gojobs run --workload diamond --size 100 --width 4
  gojobs run --workload batch --labels physics,render --cost 200us --scheduler min_load --repeat 5
  gojobs run --workload random --size 5000 --verify --profile profile.yaml -o run.jsonl`,
	RunE: runRun,
}

var (
	runWorkload         string
	runSize             int
	runWidth            int
	runCost             time.Duration
	runLabels           []string
	runPolicy           string
	runSeed             uint64
	runRepeat           int
	runOutput           string
	runQuiet            bool
	runVerify           bool
	runTimeout          time.Duration
	runProgressInterval time.Duration
	runStatsInterval    time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runWorkload, "workload", "w", string(workload.Batch), "Graph shape (chain|diamond|random|batch)")
	f.IntVarP(&runSize, "size", "n", 256, "Number of jobs (stages for diamond)")
	f.IntVar(&runWidth, "width", 0, "Diamond fan-out (0 = largest the edge capacity allows)")
	f.DurationVar(&runCost, "cost", 50*time.Microsecond, "Busy time per job")
	f.StringSliceVar(&runLabels, "labels", nil, "Job labels, assigned round-robin")
	f.StringVar(&runPolicy, "policy", "automatic", "Placement policy (automatic|deferred|async)")
	f.Uint64Var(&runSeed, "seed", 1, "Seed for the random shape")
	f.IntVar(&runRepeat, "repeat", 1, "Number of times the graph is rebuilt and run")
	f.StringVarP(&runOutput, "output", "o", "stdout", "Output destination (stdout, path or file:path)")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	f.BoolVar(&runVerify, "verify", false, "Check that every dependency finished before its dependent started")
	f.DurationVar(&runTimeout, "timeout", 0, "Abandon the run after this long (0 = no limit)")
	f.DurationVar(&runProgressInterval, "progress-interval", time.Second, "Minimum time between progress records")
	f.DurationVar(&runStatsInterval, "stats-interval", 0, "Log worker statistics at this interval (0 = off)")
	addJobFlags(runCmd)
}

func runSpec() (workload.Spec, error) {
	kind, err := workload.ParseKind(runWorkload)
	if err != nil {
		return workload.Spec{}, err
	}
	policy, err := job.ParsePolicy(runPolicy)
	if err != nil {
		return workload.Spec{}, err
	}
	spec := workload.Spec{
		Kind:   kind,
		Size:   runSize,
		Width:  runWidth,
		Cost:   runCost,
		Labels: runLabels,
		Policy: policy,
		Seed:   runSeed,
	}
	if err := spec.Validate(); err != nil {
		return workload.Spec{}, err
	}
	if runRepeat <= 0 {
		return workload.Spec{}, fmt.Errorf("repeat must be positive, got %d", runRepeat)
	}
	return spec, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig()
	if err != nil {
		return exitError(ExitConfig, "Invalid configuration", err)
	}
	spec, err := runSpec()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid workload", err)
	}

	js, logger, err := startJobSystem(ctx, cfg)
	if err != nil {
		return err
	}

	w, cleanup, err := createWriter(runOutput, "", string(spec.Kind))
	if err != nil {
		_ = stopJobSystem(context.Background(), js, logger)
		return exitError(ExitFileWrite, "Failed to create output", err)
	}
	defer cleanup()

	runCtx := ctx
	if runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", w.RunID()),
		zap.String("workload", string(spec.Kind)),
		zap.Int("size", spec.Size),
		zap.Int("repeat", runRepeat),
		zap.Int("workers", js.Workers()))

	summary, runErr := executeRun(runCtx, js, w, spec)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	stopErr := stopJobSystem(shutdownCtx, js, logger)

	if runErr != nil {
		if ctx.Err() != nil {
			return exitError(ExitSignalInt, "Run cancelled", runErr)
		}
		if errors.Is(runErr, workload.ErrOrderViolated) || errors.Is(runErr, workload.ErrIncomplete) {
			return exitError(ExitVerifyFailed, "Verification failed", runErr)
		}
		return exitError(ExitFailure, "Run failed", runErr)
	}

	observability.CLILogger.Info("Run completed",
		zap.String("run_id", w.RunID()),
		zap.Int64("jobs", summary.Jobs),
		zap.Int64("stolen", summary.Stolen),
		zap.Duration("duration", summary.Duration))
	return stopErr
}

// executeRun builds and runs the graph runRepeat times and writes every
// record of the run to w.
func executeRun(ctx context.Context, js *job.JobSystem, w *report.JSONLWriter, spec workload.Spec) (*report.SummaryRecord, error) {
	ds := job.NewDaemonScheduler(js)
	defer ds.Close()
	if runStatsInterval > 0 {
		_, err := ds.Create(func() bool {
			js.Monitor().Update()
			for tid := range js.Workers() {
				js.Monitor().LogStatistics(tid)
			}
			return true
		}, job.DaemonSchedule{Interval: runStatsInterval}, job.Metadata{Label: "gojobs/stats", Affinity: job.AffinityAsync})
		if err != nil {
			return nil, err
		}
	}

	if !runQuiet {
		_ = w.WriteProgress(ctx, &report.ProgressRecord{Phase: report.PhaseStarting, Total: int64(spec.Size)})
	}

	labels := make(map[string]int64)
	var elapsed time.Duration
	var executed int64
	var failure error
	for round := range runRepeat {
		if !runQuiet {
			_ = w.WriteProgress(ctx, &report.ProgressRecord{Phase: report.PhaseBuilding, Completed: executed, Pending: js.Pending()})
		}
		g, err := workload.Build(js, spec)
		if err != nil {
			failure = fmt.Errorf("round %d: build: %w", round, err)
			break
		}
		res, err := workload.Run(ctx, js, g, workload.RunOptions{
			Verify:           runVerify,
			ProgressInterval: runProgressInterval,
			Progress: func(done, total int64) {
				ds.Update()
				if runQuiet {
					return
				}
				if err := w.WriteProgress(ctx, &report.ProgressRecord{
					Phase:     report.PhaseExecuting,
					Completed: done,
					Total:     total,
					Pending:   js.Pending(),
				}); err != nil {
					observability.CLILogger.Debug("Failed to write progress record", zap.Error(err))
				}
			},
		})
		elapsed += res.Duration
		executed += res.Executed
		for l, n := range res.Labels {
			labels[l] += n
		}
		if err != nil {
			failure = fmt.Errorf("round %d: %w", round, err)
			break
		}
	}

	// Records are written with a fresh context so a cancelled run still
	// produces its statistics.
	wctx := context.WithoutCancel(ctx)
	if failure != nil {
		code := report.ErrCodeInternal
		switch {
		case errors.Is(failure, context.DeadlineExceeded), errors.Is(failure, context.Canceled):
			code = report.ErrCodeTimeout
		case errors.Is(failure, job.ErrPoolExhausted), errors.Is(failure, job.ErrEdgeCapacity):
			code = report.ErrCodeCapacity
		}
		_ = w.WriteError(wctx, &report.ErrorRecord{Code: code, Message: failure.Error()})
	}

	for _, l := range slices.Sorted(maps.Keys(labels)) {
		avg, _ := js.Monitor().JobSize(l)
		if err := w.WriteJob(wctx, &report.JobRecord{Label: l, Count: labels[l], Average: avg}); err != nil {
			return nil, err
		}
	}

	stats := js.Stats()
	if err := report.WriteStats(wctx, w, stats); err != nil {
		return nil, err
	}

	summary := &report.SummaryRecord{
		Jobs:          executed,
		Workers:       stats.Workers,
		Scheduler:     string(stats.Scheduler),
		Stealing:      stats.WorkStealing,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Microsecond).String(),
		Labels:        slices.Sorted(maps.Keys(labels)),
	}
	for _, ws := range stats.PerWorker {
		summary.Stolen += ws.Stolen
		if ws.Panics > 0 {
			summary.Errors += ws.Panics
			_ = w.WriteError(wctx, &report.ErrorRecord{
				Code:    report.ErrCodePanic,
				Message: fmt.Sprintf("worker %d recovered %d panicking jobs", ws.TID, ws.Panics),
				Details: map[string]any{"tid": ws.TID},
			})
		}
	}
	summary.Errors += stats.CallerPanics
	if failure != nil {
		summary.Errors++
	}
	if !runQuiet {
		_ = w.WriteProgress(wctx, &report.ProgressRecord{Phase: report.PhaseComplete, Completed: executed, Total: executed})
	}
	if err := w.WriteSummary(wctx, summary); err != nil {
		return nil, err
	}
	return summary, failure
}

// createWriter creates a JSONL writer for dest. Returns the writer, a
// cleanup function, and any error.
func createWriter(dest, runID, workloadName string) (*report.JSONLWriter, func(), error) {
	if dest == "" || dest == "stdout" || dest == "-" {
		w := report.NewJSONLWriter(os.Stdout, runID, workloadName)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := report.NewJSONLWriter(f, runID, workloadName)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
