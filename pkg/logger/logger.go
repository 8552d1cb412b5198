package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// New builds the process logger writing to stdout. When cfg.Sentry.DSN is set,
// warnings and errors are also shipped to Sentry; a failed Sentry init falls
// back to stdout only and is reported on it.
func New(cfg Config, extractors ...ContextExtractor) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg, extractors...)
}

func newLogger(w io.Writer, cfg Config, extractors ...ContextExtractor) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var out slog.Handler
	switch cfg.Format {
	case "", "json":
		out = slog.NewJSONHandler(w, opts)
	case "text":
		out = slog.NewTextHandler(w, opts)
	default:
		return nil, errors.Join(ErrInvalidFormat, errors.New(cfg.Format))
	}

	if cfg.Sentry.DSN == "" {
		return slog.New(withContext(out, extractors...)), nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		EnableLogs:  true,
	}); err != nil {
		slog.New(out).Error("failed to initialize Sentry", slog.Any("error", err))
		return slog.New(withContext(out, extractors...)), nil
	}

	logLevels := []slog.Level{slog.LevelWarn, slog.LevelError}
	if cfg.Sentry.MinLevel == "error" {
		logLevels = []slog.Level{slog.LevelError}
	}
	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   logLevels,
	}.NewSentryHandler(context.Background())

	return slog.New(withContext(fanout{out, sentryHandler}, extractors...)), nil
}

// NewNope returns a logger that discards everything.
func NewNope() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Flush waits up to the context deadline for buffered Sentry events.
func Flush(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		sentry.Flush(0)
		return
	}
	sentry.Flush(max(0, time.Until(deadline)))
}
