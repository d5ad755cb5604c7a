package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/config"
	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/internal/server"
	"github.com/3leaps/gojobs/internal/server/handlers"
	"github.com/3leaps/gojobs/pkg/job"
	"github.com/3leaps/gojobs/pkg/workload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job system behind an HTTP API",
	Long: `Start a job system and expose it over HTTP:

  /health, /health/live, /health/ready, /health/startup
  /version
  /stats      point-in-time statistics snapshot
  /profile    measured job durations (?match=glob)
  /metrics    prometheus metrics (when metrics.enabled)

With --tick, a synthetic workload is built and run at that interval so the
endpoints have something to report.

Examples:
  gojobs serve --port 9090
  gojobs serve --tick 500ms --workload random --size 2000 --profile profile.yaml`,
	RunE: runServe,
}

var (
	serveTick     time.Duration
	serveWorkload string
	serveSize     int
	serveCost     time.Duration
	serveLabels   []string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.IntP("port", "p", 0, "Listen port (default from config: 8080)")
	f.String("host", "", "Listen host (default from config: localhost)")
	f.DurationVar(&serveTick, "tick", 0, "Run a synthetic workload at this interval (0 = off)")
	f.StringVarP(&serveWorkload, "workload", "w", string(workload.Batch), "Graph shape for --tick")
	f.IntVarP(&serveSize, "size", "n", 256, "Jobs per tick")
	f.DurationVar(&serveCost, "cost", 50*time.Microsecond, "Busy time per job")
	f.StringSliceVar(&serveLabels, "labels", nil, "Job labels, assigned round-robin")
	addJobFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return exitError(ExitConfig, "Invalid configuration", err)
	}

	var spec workload.Spec
	if serveTick > 0 {
		kind, err := workload.ParseKind(serveWorkload)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid workload", err)
		}
		spec = workload.Spec{Kind: kind, Size: serveSize, Cost: serveCost, Labels: serveLabels}
		if err := spec.Validate(); err != nil {
			return exitError(ExitInvalidArgument, "Invalid workload", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, logger, err := startJobSystem(ctx, cfg)
	if err != nil {
		return err
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("job_system", handlers.JobSystemChecker(js))
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: "gojobs",
			envPrefix:  config.EnvPrefix,
			configName: config.AppName,
		})
		health.RegisterChecker("signal", signalHealthChecker{ctx: ctx})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobSystem(js),
		server.WithLogger(logger),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithHealthManager(health),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	observability.CLILogger.Info("Serving job system",
		zap.String("addr", srv.Addr()),
		zap.Int("workers", js.Workers()),
		zap.Duration("tick", serveTick))

	// The job system is driven from this goroutine only; with foreground
	// work enabled it is worker 0.
	var runErr error
	if serveTick > 0 {
		runErr = tickWorkload(ctx, js, spec, serveErr)
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-serveErr:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.CLILogger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	stopErr := stopJobSystem(shutdownCtx, js, logger)

	if runErr != nil {
		return exitError(ExitFailure, "Server failed", runErr)
	}
	return stopErr
}

// tickWorkload builds and runs spec every serveTick until ctx ends or the
// HTTP server fails.
func tickWorkload(ctx context.Context, js *job.JobSystem, spec workload.Spec, serveErr <-chan error) error {
	ticker := time.NewTicker(serveTick)
	defer ticker.Stop()

	for round := 0; ; round++ {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			return err
		case <-ticker.C:
		}

		spec.Seed = uint64(round) + 1
		g, err := workload.Build(js, spec)
		if err != nil {
			return fmt.Errorf("build workload: %w", err)
		}
		res, err := workload.Run(ctx, js, g, workload.RunOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		observability.CLILogger.Debug("Tick completed",
			zap.Int("round", round),
			zap.Int64("jobs", res.Executed),
			zap.Duration("duration", res.Duration))
	}
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("identity missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("identity missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("identity missing config name")
	}
	return nil
}

// signalHealthChecker turns unhealthy once a shutdown signal arrived, so
// load balancers stop routing while the job system drains.
type signalHealthChecker struct {
	ctx context.Context
}

func (c signalHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ctx != nil && c.ctx.Err() != nil {
		return fmt.Errorf("shutting down")
	}
	return nil
}
