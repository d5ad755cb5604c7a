package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/profile"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

S3 credential checks run automatically when the configured profile
location is an s3:// URI.

Examples:
  gojobs doctor                 # Full environment check
  gojobs doctor --provider s3   # Force S3 credential checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().String("profile", "", "Profile location to check (default from config)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	observability.CLILogger.Info("=== gojobs doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	cfg, cfgErr := currentConfig()
	profileURI := ""
	if cfgErr == nil {
		profileURI = cfg.Jobs.ProfileURI
	}
	if p, _ := cmd.Flags().GetString("profile"); p != "" {
		profileURI = p
	}
	s3Checks := doctorProvider == "s3" || strings.HasPrefix(profileURI, "s3://")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if s3Checks {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.25" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.25+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: CPUs and workers
	cpus := runtime.NumCPU()
	workers := cpus
	if cfgErr == nil && cfg.Jobs.MaxWorkers > 0 {
		workers = min(cfg.Jobs.MaxWorkers, cpus)
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking CPUs... ✅ %d cores, %d workers", checkNum, totalChecks, cpus, workers),
		zap.Int("cpus", cpus),
		zap.Int("workers", workers),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Configuration
	if cfgErr != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, cfgErr))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ scheduler=%s stealing=%t", checkNum, totalChecks,
			cfg.Jobs.Scheduler, cfg.Jobs.WorkStealing))
	}
	checkNum++

	// Check 5: Profile store
	if !checkProfileStore(ctx, profileURI, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	if s3Checks {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	observability.CLILogger.Info(fmt.Sprintf("Environment: %s/%s", runtime.GOOS, runtime.GOARCH))
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your gojobs installation is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(ExitFailure, "Diagnostics failed", nil)
	}
	return nil
}

// checkProfileStore opens and reads the profile at uri. A location that
// holds no profile yet passes: the job system creates it at shutdown.
func checkProfileStore(ctx context.Context, uri string, checkNum, totalChecks int) bool {
	if uri == "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking profile store... ✅ not configured", checkNum, totalChecks))
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := profile.Open(ctx, uri)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking profile store... ❌ Cannot open %s", checkNum, totalChecks, uri),
			zap.Error(err))
		return false
	}
	p, err := store.Load(ctx)
	switch {
	case profile.IsNotFound(err):
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking profile store... ✅ %s (empty)", checkNum, totalChecks, store.Location()))
		return true
	case err != nil:
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking profile store... ❌ Cannot read %s", checkNum, totalChecks, store.Location()),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking profile store... ✅ %s (%d labels)", checkNum, totalChecks, store.Location(), len(p)),
		zap.Int("labels", len(p)))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), add to the profile URI:")
	observability.CLILogger.Info("  ?endpoint=https://host:port&force_path_style=true")
	observability.CLILogger.Info("")
}
