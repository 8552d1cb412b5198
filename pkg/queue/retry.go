package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dead-letter failure reasons.
const (
	ReasonWorkerUnavailable  = "WORKER_UNAVAILABLE"
	ReasonPermanentError     = "PERMANENT_ERROR"
	ReasonTimeout            = "TIMEOUT"
	ReasonMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
)

// backoff returns the delay before the given retry: RetryBackoff * 2^retry,
// capped at MaxRetryDelay.
func (m *Manager) backoff(retry int) time.Duration {
	d := m.cfg.RetryBackoff
	for range retry {
		d *= 2
		if m.cfg.MaxRetryDelay > 0 && d >= m.cfg.MaxRetryDelay {
			return m.cfg.MaxRetryDelay
		}
	}
	return d
}

// handleFailure decides between another attempt and retirement. r is the
// PROCESSING record of the failed attempt.
func (m *Manager) handleFailure(ctx context.Context, r *Request, cause error) {
	retries := r.RetryCount + 1
	msg := cause.Error()
	now := m.now()

	log := m.logger.With(
		slog.String("request_id", r.ID),
		slog.String("type", r.Type),
		slog.Int("retry_count", retries),
	)

	if !IsPermanent(cause) && retries < m.cfg.MaxRetryAttempts {
		delay := m.backoff(retries)
		at := now.Add(delay)
		updated, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusProcessing}, Transition{
			To:                       StatusPending,
			AvailableAt:              &at,
			RetryCount:               &retries,
			Error:                    &msg,
			AppendError:              msg,
			ClearProcessingStartedAt: true,
		})
		if err != nil {
			log.ErrorContext(ctx, "failed to schedule retry", slog.Any("error", err))
			return
		}
		m.record(ctx, Counters{Retried: 1})
		log.InfoContext(ctx, "retry scheduled", slog.Duration("delay", delay))

		if err := m.handoff(ctx, updated); err != nil {
			// The reaper re-hands overdue PENDING requests.
			log.WarnContext(ctx, "failed to enqueue retry", slog.Any("error", err))
		}
		return
	}

	status := StatusFailed
	if errors.Is(cause, ErrTimeout) {
		status = StatusTimeout
	}
	failed, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusProcessing}, Transition{
		To:          status,
		FailedAt:    &now,
		RetryCount:  &retries,
		Error:       &msg,
		AppendError: msg,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to record terminal failure", slog.Any("error", err))
		return
	}
	m.record(ctx, Counters{Failed: 1})

	if err := m.deadLetter(ctx, failed, cause); err != nil {
		log.ErrorContext(ctx, "failed to create dead letter entry", slog.Any("error", err))
		return
	}
	log.WarnContext(ctx, "request dead-lettered",
		slog.String("status", string(status)),
		slog.Any("error", cause),
	)
}

// deadLetter persists the retirement record of a terminally failed request.
func (m *Manager) deadLetter(ctx context.Context, r *Request, cause error) error {
	id, err := uuid.NewV7()
	if err != nil {
		return errors.Join(ErrSystem, err)
	}

	now := m.now()
	first := now
	if r.FirstAttemptAt != nil {
		first = *r.FirstAttemptAt
	}

	return m.store.CreateDeadLetter(ctx, &DeadLetterEntry{
		ID:                id.String(),
		OriginalRequestID: r.ID,
		CallerID:          r.CallerID,
		Type:              r.Type,
		OriginalPayload:   r.Payload,
		FailureReason:     fmt.Sprintf("%s: %s", failureReason(cause), cause.Error()),
		AttemptCount:      r.RetryCount,
		ErrorHistory:      r.ErrorHistory,
		FirstAttemptAt:    first,
		LastAttemptAt:     now,
		CreatedAt:         now,
	})
}

func failureReason(cause error) string {
	switch {
	case errors.Is(cause, ErrWorkerUnavailable):
		return ReasonWorkerUnavailable
	case IsPermanent(cause):
		return ReasonPermanentError
	case errors.Is(cause, ErrTimeout):
		return ReasonTimeout
	default:
		return ReasonMaxRetriesExceeded
	}
}
