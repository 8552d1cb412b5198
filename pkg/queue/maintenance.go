package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// reapBatch bounds the rows handled per reaper pass and status.
	reapBatch = 500
	// errWorkerLostMsg is recorded for claims abandoned by a crashed worker.
	errWorkerLostMsg = "worker lost"
)

// endOfTime is used to list every PENDING request regardless of backoff.
var endOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// newScheduler builds the maintenance scheduler. Jobs run with ctx and are
// skipped while a previous run is still going.
func (m *Manager) newScheduler(ctx context.Context) (*cron.Cron, error) {
	clog := cronLogger{logger: m.logger.With(slog.String("component", "queue.maintenance"))}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	if _, err := c.AddFunc(m.cfg.ReaperSchedule, func() {
		if err := m.reap(ctx); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "reaper pass failed", slog.Any("error", err))
		}
	}); err != nil {
		return nil, fmt.Errorf("queue: schedule reaper: %w", err)
	}

	if _, err := c.AddFunc(m.cfg.SnapshotSchedule, func() {
		m.snapshot(ctx)
	}); err != nil {
		return nil, fmt.Errorf("queue: schedule health snapshot: %w", err)
	}

	return c, nil
}

// staleAfter is how long a claim may go without completing before it is
// considered abandoned.
func (m *Manager) staleAfter() time.Duration {
	return 2 * m.cfg.ProcessingTimeout
}

// reap recovers requests abandoned by crashed workers and lost handoffs.
func (m *Manager) reap(ctx context.Context) error {
	cutoff := m.now().Add(-m.staleAfter())
	var errs []error

	processing, err := m.store.ListStale(ctx, StatusProcessing, cutoff, reapBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale processing: %w", err))
	}
	for _, r := range processing {
		m.logger.WarnContext(ctx, "reaping abandoned claim",
			slog.String("request_id", r.ID),
			slog.Time("processing_started_at", *r.ProcessingStartedAt),
		)
		m.handleFailure(ctx, r, errors.New(errWorkerLostMsg))
	}

	assigned, err := m.store.ListStale(ctx, StatusAssigned, cutoff, reapBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale assigned: %w", err))
	}
	for _, r := range assigned {
		if _, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusAssigned}, Transition{
			To: StatusPending,
		}); err != nil && !errors.Is(err, ErrStatusConflict) {
			errs = append(errs, fmt.Errorf("release %s: %w", r.ID, err))
		}
	}

	// Overdue PENDING requests may have lost their handoff to a failed
	// enqueue. Transports drop or collapse jobs they already hold, and a
	// surplus delivery finds nothing to claim.
	rehanded := 0
	for _, mode := range []Mode{ModeFIFO, ModePriority} {
		due, err := m.store.ListDue(ctx, mode, cutoff, reapBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list due %s: %w", mode, err))
			continue
		}
		for _, r := range due {
			if err := m.handoff(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("re-enqueue %s: %w", r.ID, err))
				continue
			}
			rehanded++
		}
	}

	for _, s := range m.owned {
		s.Sweep()
	}

	if n := len(processing) + len(assigned) + rehanded; n > 0 {
		m.logger.InfoContext(ctx, "reaper pass finished",
			slog.Int("failed_claims", len(processing)),
			slog.Int("released_batch_items", len(assigned)),
			slog.Int("rehanded", rehanded),
		)
	}
	return errors.Join(errs...)
}

// snapshot logs the current health, at WARN when it is not healthy.
func (m *Manager) snapshot(ctx context.Context) {
	h, err := m.GetHealth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "health snapshot failed", slog.Any("error", err))
		}
		return
	}

	level := slog.LevelDebug
	if h.Status != HealthHealthy {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "queue health",
		slog.String("queue", m.cfg.Name),
		slog.String("status", string(h.Status)),
		slog.Int("depth", h.Depth),
		slog.Int("processing", h.Processing),
		slog.Int("active_workers", h.ActiveWorkers),
		slog.Int("recent_failures", h.RecentFailures),
		slog.Int("dead_letter_backlog", h.DeadLetterBacklog),
		slog.Float64("utilization", h.Utilization),
	)
}

// recoverPending re-hands waiting requests to a transport that lost its
// contents across a restart.
func (m *Manager) recoverPending(ctx context.Context) error {
	limit := m.cfg.MaxQueueDepth
	recovered := 0

	for _, mode := range []Mode{ModeFIFO, ModePriority} {
		due, err := m.store.ListDue(ctx, mode, endOfTime, limit)
		if err != nil {
			return err
		}
		for _, r := range due {
			if err := m.handoff(ctx, r); err != nil {
				return err
			}
			recovered++
		}
	}

	assigned, err := m.store.ListStale(ctx, StatusAssigned, endOfTime, limit)
	if err != nil {
		return err
	}
	for _, r := range assigned {
		if err := m.transport.Enqueue(ctx, JobFor(r)); err != nil {
			return err
		}
		recovered++
	}

	if recovered > 0 {
		m.logger.InfoContext(ctx, "recovered waiting requests", slog.Int("count", recovered))
	}
	return nil
}
