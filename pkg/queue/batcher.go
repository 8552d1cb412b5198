package queue

import (
	"context"
	"log/slog"
	"time"
)

// runBatcher flushes due BATCH requests every BatchInterval until ctx is done.
func (m *Manager) runBatcher(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.flushBatch(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "batch flush failed", slog.Any("error", err))
			}
		}
	}
}

// flushBatch claims up to BatchSize due BATCH requests in arrival order,
// marks them ASSIGNED and hands them to the transport. Each item is retried
// independently afterwards. It returns the number of requests dispatched.
func (m *Manager) flushBatch(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.store.ListDue(ctx, ModeBatch, now, m.cfg.BatchSize)
	if err != nil || len(due) == 0 {
		return 0, err
	}

	sent := 0
	for _, r := range due {
		assigned, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusPending}, Transition{
			To:          StatusAssigned,
			AvailableAt: &now,
		})
		if err != nil {
			// Cancelled or picked by another instance in the meantime.
			m.logger.DebugContext(ctx, "skipping batch item",
				slog.String("request_id", r.ID),
				slog.Any("error", err),
			)
			continue
		}

		if err := m.transport.Enqueue(ctx, JobFor(assigned)); err != nil {
			m.logger.WarnContext(ctx, "failed to enqueue batch item",
				slog.String("request_id", r.ID),
				slog.Any("error", err),
			)
			if _, rerr := m.store.TransitionRequest(ctx, r.ID, []Status{StatusAssigned}, Transition{
				To: StatusPending,
			}); rerr != nil {
				m.logger.ErrorContext(ctx, "failed to release batch item",
					slog.String("request_id", r.ID),
					slog.Any("error", rerr),
				)
			}
			continue
		}
		sent++
	}

	if sent > 0 {
		m.logger.DebugContext(ctx, "batch dispatched",
			slog.String("queue", m.cfg.Name),
			slog.Int("size", sent),
		)
	}
	return sent, nil
}
