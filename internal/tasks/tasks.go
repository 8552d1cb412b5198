// Package tasks holds the built-in system tasks queued registers on start.
// Business handlers live in the modules that own them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const maxDelay = 10 * time.Minute

// EchoPayload is the input of system.echo.
type EchoPayload struct {
	Message string `json:"message"`
}

// EchoResult mirrors the message with execution details.
type EchoResult struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
}

// Echo returns its input. Used for end-to-end smoke checks of a deployment.
type Echo struct {
	logger *slog.Logger
}

func NewEcho(logger *slog.Logger) *Echo {
	return &Echo{logger: logger}
}

func (t *Echo) Type() string { return "system.echo" }

func (t *Echo) Handle(ctx context.Context, p EchoPayload) (EchoResult, error) {
	id, _ := queue.RequestIDFromContext(ctx)
	attempt, _ := queue.AttemptFromContext(ctx)
	t.logger.InfoContext(ctx, "echo", slog.String("message", p.Message))
	return EchoResult{Message: p.Message, RequestID: id, Attempt: attempt}, nil
}

// DelayPayload is the input of system.delay.
type DelayPayload struct {
	// DurationMs is how long the handler sleeps.
	DurationMs int `json:"duration_ms"`
	// FailAttempts makes the first n attempts fail with a transient error.
	FailAttempts int `json:"fail_attempts"`
}

// DelayResult reports the slept duration.
type DelayResult struct {
	SleptMs int `json:"slept_ms"`
	Attempt int `json:"attempt"`
}

// Delay sleeps and optionally fails to exercise timeouts and retries.
type Delay struct{}

func (Delay) Type() string { return "system.delay" }

func (Delay) Handle(ctx context.Context, p DelayPayload) (DelayResult, error) {
	d := time.Duration(p.DurationMs) * time.Millisecond
	if d < 0 || d > maxDelay {
		return DelayResult{}, queue.Permanent(fmt.Errorf("duration_ms must be within 0..%d", maxDelay.Milliseconds()))
	}

	attempt, _ := queue.AttemptFromContext(ctx)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return DelayResult{}, ctx.Err()
	case <-t.C:
	}

	if attempt <= p.FailAttempts {
		return DelayResult{}, errors.New("delay: simulated failure")
	}
	return DelayResult{SleptMs: p.DurationMs, Attempt: attempt}, nil
}

// Options registers every system task.
func Options(logger *slog.Logger) []queue.Option {
	return []queue.Option{
		queue.WithTask[EchoPayload, EchoResult](NewEcho(logger)),
		queue.WithTask[DelayPayload, DelayResult](Delay{}),
	}
}
