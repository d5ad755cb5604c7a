package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/config"
	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/job"
	"github.com/3leaps/gojobs/pkg/profile"
)

// startJobSystem builds the job system described by cfg, with its logger
// and, when configured, its profile store.
func startJobSystem(ctx context.Context, cfg *config.Config) (*job.JobSystem, *zap.Logger, error) {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, cfg.Logging.Profile)
	if err != nil {
		return nil, nil, exitError(ExitConfig, "Invalid logging configuration", err)
	}

	jc := cfg.JobConfig(logger)
	if uri := cfg.Jobs.ProfileURI; uri != "" {
		store, err := profile.Open(ctx, uri)
		if err != nil {
			return nil, nil, exitError(ExitProfileStore, "Cannot open profile store", err)
		}
		jc.ProfileStore = store
	}

	js, err := job.New(ctx, jc)
	if err != nil {
		return nil, nil, exitError(ExitConfig, "Cannot start job system", err)
	}
	observability.CLILogger.Debug("Job system started",
		zap.Int("workers", js.Workers()),
		zap.String("scheduler", string(jc.Scheduler)))
	return js, logger, nil
}

// stopJobSystem shuts js down and flushes its logger.
func stopJobSystem(ctx context.Context, js *job.JobSystem, logger *zap.Logger) error {
	err := js.Shutdown(ctx)
	_ = logger.Sync()
	if err != nil {
		return exitError(ExitProfileStore, "Shutdown failed", fmt.Errorf("job system: %w", err))
	}
	return nil
}
