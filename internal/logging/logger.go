// Package logging builds the categorized zap loggers used by partfilter.
// Every entry carries a run_id so the lines of one invocation can be picked
// out of a shared log stream. Logs go to stderr and never mix with the report
// on stdout.
package logging

import (
	"fmt"

	"partfilter/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot   Category = "boot"   // CLI startup, config loading
	CategoryFilter Category = "filter" // Partition filter runs
	CategoryAbsorb Category = "absorb" // batch table absorption
	CategoryShape  Category = "shape"  // job graph classification
	CategoryStats  Category = "stats"  // graph statistics
)

// Logger hands out per-category loggers that share one run id.
type Logger struct {
	base  *zap.Logger
	cfg   config.LoggingConfig
	runID string
}

// New builds a logger from config. Verbose forces debug level, even when the
// configured level is off.
func New(cfg config.LoggingConfig, verbose bool) (*Logger, error) {
	if cfg.Level == "off" && !verbose {
		return Wrap(zap.NewNop(), cfg), nil
	}

	level := cfg.Level
	if verbose {
		level = "debug"
		cfg.Level = level
	}
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = atomicLevel
	zapCfg.Sampling = nil
	zapCfg.DisableStacktrace = true
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	switch cfg.Format {
	case "", "console":
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json":
		zapCfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	base, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return Wrap(base, cfg), nil
}

// Wrap tags base with a fresh run id.
func Wrap(base *zap.Logger, cfg config.LoggingConfig) *Logger {
	runID := uuid.NewString()
	return &Logger{
		base:  base.With(zap.String("run_id", runID)),
		cfg:   cfg,
		runID: runID,
	}
}

// For returns the logger for a category, or a no-op logger if the category
// is disabled.
func (l *Logger) For(category Category) *zap.Logger {
	if !l.cfg.IsCategoryEnabled(string(category)) {
		return zap.NewNop()
	}
	return l.base.Named(string(category))
}

// RunID returns the id attached to every entry.
func (l *Logger) RunID() string {
	return l.runID
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
