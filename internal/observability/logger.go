// Package observability holds the process loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by command implementations. It discards
// everything until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger writing to stderr.
// verbose lowers the level from info to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(level, ProfileConsole, zapcore.Lock(os.Stderr)).Named(name)
}

// NewLogger builds a logger for the given level name ("debug", "info",
// "warn", "error") and profile ("structured" or "console"). Output goes to
// stderr so stdout stays free for JSONL records.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch p := strings.ToLower(profile); p {
	case "", ProfileStructured, ProfileConsole:
		return newLogger(lvl, p, zapcore.Lock(os.Stderr)), nil
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
}

// ParseLevel parses a level name. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func newLogger(level zapcore.Level, profile string, out zapcore.WriteSyncer) *zap.Logger {
	var enc zapcore.Encoder
	if profile == ProfileConsole {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, out, level), zap.AddCaller())
}
