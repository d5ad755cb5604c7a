// Package cmd implements the gojobs command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/config"
	"github.com/3leaps/gojobs/internal/observability"
)

// VersionInfo holds build metadata injected by main.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and the
// HTTP /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	verbose  bool
	logLevel string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gojobs",
	Short: "Multi-threaded job system runner",
	Long: `gojobs drives a work-stealing job system: it runs synthetic job graphs,
inspects and merges execution profiles, and serves live statistics.

Configuration is read from gojobs.yaml (working directory or
$XDG_CONFIG_HOME/gojobs), GOJOBS_* environment variables and flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: gojobs.yaml in . or $XDG_CONFIG_HOME/gojobs)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level for the job system (debug|info|warn|error)")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(cmd *cobra.Command, args []string) error {
	observability.InitCLILogger("gojobs", verbose)

	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	for key, val := range flagOverrides(cmd) {
		overrides[key] = val
	}

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(ExitConfig, "Invalid configuration", err)
	}
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("scheduler", cfg.Jobs.Scheduler),
		zap.Int("max_workers", cfg.Jobs.MaxWorkers),
		zap.String("profile_uri", cfg.Jobs.ProfileURI))
	return nil
}

// flagOverrides collects the job-system flags the user set on cmd into a
// nested override map.
func flagOverrides(cmd *cobra.Command) map[string]any {
	jobs := map[string]any{}
	flags := cmd.Flags()
	set := func(flag, key string, get func(string) (any, error)) {
		if f := flags.Lookup(flag); f == nil || !f.Changed {
			return
		}
		if v, err := get(flag); err == nil {
			jobs[key] = v
		}
	}
	asInt := func(name string) (any, error) { return flags.GetInt(name) }
	asBool := func(name string) (any, error) { return flags.GetBool(name) }
	asString := func(name string) (any, error) { return flags.GetString(name) }

	set("workers", "max_workers", asInt)
	set("scheduler", "scheduler", asString)
	set("stealing", "work_stealing", asBool)
	set("foreground", "foreground_work", asBool)
	set("recover-panics", "recover_panics", asBool)
	set("profile", "profile_uri", asString)
	set("pool-capacity", "pool_capacity", asInt)

	out := map[string]any{}
	if len(jobs) > 0 {
		out["jobs"] = jobs
	}
	srv := map[string]any{}
	if f := flags.Lookup("port"); f != nil && f.Changed {
		if port, err := flags.GetInt("port"); err == nil {
			srv["port"] = port
		}
	}
	if f := flags.Lookup("host"); f != nil && f.Changed {
		if host, err := flags.GetString("host"); err == nil {
			srv["host"] = host
		}
	}
	if len(srv) > 0 {
		out["server"] = srv
	}
	return out
}

// addJobFlags registers the flags that tune the job system on cmd.
func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("workers", 0, "Maximum workers including the main context (0 = CPU cores)")
	f.String("scheduler", "", "Placement algorithm (round_robin|min_load)")
	f.Bool("stealing", true, "Let idle workers steal jobs")
	f.Bool("foreground", true, "Run worker 0 on the calling goroutine while it waits")
	f.Bool("recover-panics", false, "Recover panicking jobs instead of crashing")
	f.String("profile", "", "Profile location (path, file:// or s3:// URI)")
	f.Int("pool-capacity", 0, "Maximum number of live jobs")
}

func currentConfig() (*config.Config, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return appConfig, nil
}
