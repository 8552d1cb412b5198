package logger

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config selects level, format and the optional Sentry sink.
type Config struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" yaml:"level"`
	Format string `env:"LOG_FORMAT" envDefault:"json" yaml:"format"`

	Sentry SentryConfig `yaml:"sentry"`
}

// SentryConfig holds Sentry integration configuration. An empty DSN
// disables Sentry.
type SentryConfig struct {
	DSN         string `env:"SENTRY_DSN" yaml:"dsn"`
	Environment string `env:"SENTRY_ENVIRONMENT" envDefault:"production" yaml:"environment"`
	// MinLevel selects the breadcrumb logs sent to Sentry: "warn" or "error".
	// Errors always create issues.
	MinLevel string `env:"SENTRY_MIN_LEVEL" envDefault:"warn" yaml:"min_level"`
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}
