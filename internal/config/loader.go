// Package config loads gojobs settings from defaults, an optional YAML
// file, GOJOBS_* environment variables and runtime overrides, in that
// order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/job"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "GOJOBS"

// AppName is used for the config file name and the user config directory.
const AppName = "gojobs"

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobsConfig mirrors job.Config for the settings that can be expressed in
// a file or the environment.
type JobsConfig struct {
	MaxWorkers          int           `mapstructure:"max_workers"`
	WorkStealing        bool          `mapstructure:"work_stealing"`
	MaxStealingAttempts int           `mapstructure:"max_stealing_attempts"`
	Scheduler           string        `mapstructure:"scheduler"`
	ForegroundWork      bool          `mapstructure:"foreground_work"`
	MaxBarriers         int           `mapstructure:"max_barriers"`
	PoolCapacity        int           `mapstructure:"pool_capacity"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	StatsQueueCapacity  int           `mapstructure:"stats_queue_capacity"`
	MaxParents          int           `mapstructure:"max_parents"`
	MaxChildren         int           `mapstructure:"max_children"`
	RecoverPanics       bool          `mapstructure:"recover_panics"`
	ResignalInterval    time.Duration `mapstructure:"resignal_interval"`
	ProfileURI          string        `mapstructure:"profile_uri"`
}

// EnvSpec maps a short environment variable onto a config path, for
// settings whose derived name (GOJOBS_SERVER_PORT) is too long to be
// convenient. Derived names keep working.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load reads the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory and the user config directory for gojobs.yaml; a
// missing file is not an error then.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		observability.CLILogger.Debug("Loaded config file", zap.String("path", v.ConfigFileUsed()))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, EnvPrefix+"_"+envKey(spec.Path)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	// v.Set sits above the environment in viper's precedence.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", observability.ProfileStructured)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	d := job.DefaultConfig()
	v.SetDefault("jobs.max_workers", d.MaxWorkers)
	v.SetDefault("jobs.work_stealing", d.WorkStealing)
	v.SetDefault("jobs.max_stealing_attempts", d.MaxStealingAttempts)
	v.SetDefault("jobs.scheduler", string(d.Scheduler))
	v.SetDefault("jobs.foreground_work", d.ForegroundWork)
	v.SetDefault("jobs.max_barriers", d.MaxBarriers)
	v.SetDefault("jobs.pool_capacity", d.PoolCapacity)
	v.SetDefault("jobs.queue_capacity", d.QueueCapacity)
	v.SetDefault("jobs.stats_queue_capacity", d.StatsQueueCapacity)
	v.SetDefault("jobs.max_parents", d.MaxParents)
	v.SetDefault("jobs.max_children", d.MaxChildren)
	v.SetDefault("jobs.recover_panics", d.RecoverPanics)
	v.SetDefault("jobs.resignal_interval", d.ResignalInterval.String())
	v.SetDefault("jobs.profile_uri", "")
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_WORKERS", Path: "jobs.max_workers"},
		{Name: EnvPrefix + "_SCHEDULER", Path: "jobs.scheduler"},
		{Name: EnvPrefix + "_PROFILE_URI", Path: "jobs.profile_uri"},
	}
}

func envKey(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// getUserConfigPaths returns $XDG_CONFIG_HOME/gojobs, falling back to the
// OS user config directory.
func getUserConfigPaths() []string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return []string{filepath.Join(xdg, AppName)}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(dir, AppName)}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "", observability.ProfileStructured, observability.ProfileConsole:
	default:
		result = multierror.Append(result, fmt.Errorf("logging.profile must be %q or %q, got %q",
			observability.ProfileStructured, observability.ProfileConsole, c.Logging.Profile))
	}
	if err := c.JobConfig(nil).Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("jobs: %w", err))
	}
	return result.ErrorOrNil()
}

// JobConfig converts the jobs section into a job.Config. The profile
// store is opened separately from Jobs.ProfileURI.
func (c *Config) JobConfig(logger *zap.Logger) job.Config {
	j := c.Jobs
	alg, err := job.ParseAlgorithm(j.Scheduler)
	if err != nil {
		alg = job.Algorithm(j.Scheduler)
	}
	return job.Config{
		MaxWorkers:          j.MaxWorkers,
		WorkStealing:        j.WorkStealing,
		MaxStealingAttempts: j.MaxStealingAttempts,
		Scheduler:           alg,
		ForegroundWork:      j.ForegroundWork,
		MaxBarriers:         j.MaxBarriers,
		PoolCapacity:        j.PoolCapacity,
		QueueCapacity:       j.QueueCapacity,
		StatsQueueCapacity:  j.StatsQueueCapacity,
		MaxParents:          j.MaxParents,
		MaxChildren:         j.MaxChildren,
		RecoverPanics:       j.RecoverPanics,
		ResignalInterval:    j.ResignalInterval,
		Logger:              logger,
	}
}
