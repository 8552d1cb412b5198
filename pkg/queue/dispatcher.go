package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const (
	// clockSkew tolerates deliveries that arrive marginally before AvailableAt.
	clockSkew = 50 * time.Millisecond
	// headClaimWindow is how many due requests a head claim lists at once.
	headClaimWindow = 16
)

// errInterrupted is reported when a handler is cut short by a hard stop.
var errInterrupted = errors.New("queue: handler interrupted by shutdown")

// work is one worker loop. It exits when ctx is done or the transport closes.
func (m *Manager) work(ctx, hardCtx context.Context, id int) {
	log := m.logger.With(slog.Int("worker", id))
	for {
		d, err := m.transport.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return
			}
			log.ErrorContext(ctx, "consume failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeBackoff):
			}
			continue
		}
		m.process(ctx, hardCtx, d)
	}
}

// process claims a request for the delivery, runs its handler and records
// the outcome. Only the claim decides whether a request runs; the delivery is
// acknowledged once the claim succeeded or is known to be moot.
func (m *Manager) process(ctx, hardCtx context.Context, d Delivery) {
	sctx, cancel := detached(ctx)
	defer cancel()

	job := d.Job()
	log := m.logger.With(slog.String("mode", string(job.Mode)))

	var (
		claimed *Request
		ok      bool
	)
	if isDurable(m.transport) && job.Mode != ModeBatch {
		claimed, ok = m.claimHead(sctx, d, log)
	} else {
		claimed, ok = m.claimDelivered(sctx, d, log.With(slog.String("request_id", job.RequestID)))
	}
	if !ok {
		return
	}

	m.active.Add(1)
	defer m.active.Add(-1)

	log = log.With(
		slog.String("request_id", claimed.ID),
		slog.String("type", claimed.Type),
		slog.Int("attempt", claimed.RetryCount+1),
	)

	h, ok := m.registry.get(claimed.Type)
	if !ok {
		log.ErrorContext(sctx, "no handler registered for request type")
		m.handleFailure(sctx, claimed, Permanent(fmt.Errorf("%w: %s", ErrWorkerUnavailable, claimed.Type)))
		return
	}

	log.DebugContext(sctx, "executing request")
	started := time.Now()

	result, err := m.execute(hardCtx, claimed, h)
	switch {
	case err == nil:
		log.DebugContext(sctx, "request completed", slog.Duration("took", time.Since(started)))
		m.complete(sctx, claimed, result)
	case errors.Is(err, errInterrupted):
		log.WarnContext(sctx, "request interrupted by shutdown")
		m.release(sctx, claimed)
	default:
		log.WarnContext(sctx, "request failed",
			slog.Duration("took", time.Since(started)),
			slog.Any("error", err),
		)
		m.handleFailure(sctx, claimed, err)
	}
}

// claimDelivered claims the request named by d. ok is false when there is
// nothing to run; d has been settled then.
func (m *Manager) claimDelivered(ctx context.Context, d Delivery, log *slog.Logger) (*Request, bool) {
	req, err := m.store.GetRequest(ctx, d.Job().RequestID)
	switch {
	case errors.Is(err, ErrNotFound):
		log.WarnContext(ctx, "delivered request does not exist")
		m.ack(ctx, d, log)
		return nil, false
	case err != nil:
		log.ErrorContext(ctx, "failed to load delivered request", slog.Any("error", err))
		m.nack(ctx, d, log)
		return nil, false
	}

	if !slices.Contains(claimableStatuses, req.Status) {
		log.DebugContext(ctx, "skipping delivery", slog.String("status", string(req.Status)))
		m.ack(ctx, d, log)
		return nil, false
	}

	now := m.now()
	if req.AvailableAt.After(now.Add(clockSkew)) {
		// Early delivery of a backed-off request: reschedule at its time.
		m.ack(ctx, d, log)
		if err := m.handoff(ctx, req); err != nil {
			log.ErrorContext(ctx, "failed to reschedule early delivery", slog.Any("error", err))
		}
		return nil, false
	}

	claimed, err := m.store.TransitionRequest(ctx, req.ID, claimableStatuses, Transition{
		To:                  StatusProcessing,
		ProcessingStartedAt: &now,
	})
	switch {
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrNotFound):
		log.DebugContext(ctx, "request claimed elsewhere or cancelled")
		m.ack(ctx, d, log)
		return nil, false
	case err != nil:
		log.ErrorContext(ctx, "failed to claim request", slog.Any("error", err))
		m.nack(ctx, d, log)
		return nil, false
	}
	m.ack(ctx, d, log)
	return claimed, true
}

// claimHead treats d as a wake-up for its mode and claims the first due
// request in dispatch order. Durable transports do not deliver in strict
// mode order; the store does. Every due request holds a pending job, so a
// delivery that finds nothing due is surplus.
func (m *Manager) claimHead(ctx context.Context, d Delivery, log *slog.Logger) (*Request, bool) {
	mode := d.Job().Mode
	for {
		now := m.now()
		due, err := m.store.ListDue(ctx, mode, now.Add(clockSkew), headClaimWindow)
		if err != nil {
			log.ErrorContext(ctx, "failed to list due requests", slog.Any("error", err))
			m.nack(ctx, d, log)
			return nil, false
		}
		if len(due) == 0 {
			log.DebugContext(ctx, "nothing due for delivery")
			m.ack(ctx, d, log)
			return nil, false
		}

		for _, r := range due {
			claimed, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusPending}, Transition{
				To:                  StatusProcessing,
				ProcessingStartedAt: &now,
			})
			switch {
			case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrNotFound):
				continue
			case err != nil:
				log.ErrorContext(ctx, "failed to claim request",
					slog.String("request_id", r.ID),
					slog.Any("error", err),
				)
				m.nack(ctx, d, log)
				return nil, false
			}
			m.ack(ctx, d, log)
			return claimed, true
		}

		// Every listed request was claimed concurrently; look again.
		if ctx.Err() != nil {
			m.nack(ctx, d, log)
			return nil, false
		}
	}
}

// execute runs h with the processing timeout and recovers panics. A handler
// that ignores its context is abandoned once the deadline passes.
func (m *Manager) execute(hardCtx context.Context, r *Request, h JobHandler) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(hardCtx, m.cfg.ProcessingTimeout)
	defer cancel()
	ctx = withRequest(ctx, r)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("queue: handler panicked: %v", p)}
			}
		}()
		res, err := h.Execute(ctx, r.Payload)
		ch <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = ctx.Err()
	}

	if o.err == nil {
		return o.result, nil
	}
	if hardCtx.Err() != nil {
		return nil, errInterrupted
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(o.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, m.cfg.ProcessingTimeout)
		}
		return nil, errors.Join(ErrTimeout, o.err)
	}
	return nil, o.err
}

// complete records a successful attempt.
func (m *Manager) complete(ctx context.Context, r *Request, result json.RawMessage) {
	at := m.now()
	noError := ""
	_, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusProcessing}, Transition{
		To:          StatusCompleted,
		CompletedAt: &at,
		Result:      result,
		Error:       &noError,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record completion",
			slog.String("request_id", r.ID),
			slog.Any("error", err),
		)
		return
	}
	m.record(ctx, Counters{Completed: 1})
}

// release hands an interrupted claim back to PENDING without spending a retry.
func (m *Manager) release(ctx context.Context, r *Request) {
	at := m.now()
	released, err := m.store.TransitionRequest(ctx, r.ID, []Status{StatusProcessing}, Transition{
		To:                       StatusPending,
		AvailableAt:              &at,
		ClearProcessingStartedAt: true,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to release interrupted request",
			slog.String("request_id", r.ID),
			slog.Any("error", err),
		)
		return
	}
	if err := m.handoff(ctx, released); err != nil {
		m.logger.WarnContext(ctx, "failed to re-enqueue released request",
			slog.String("request_id", r.ID),
			slog.Any("error", err),
		)
	}
}

// handoff gives a PENDING request to the transport. BATCH requests wait for
// the batcher instead.
func (m *Manager) handoff(ctx context.Context, r *Request) error {
	if r.Mode == ModeBatch {
		return nil
	}
	return m.transport.Enqueue(ctx, JobFor(r))
}

func (m *Manager) ack(ctx context.Context, d Delivery, log *slog.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.WarnContext(ctx, "failed to ack delivery", slog.Any("error", err))
	}
}

func (m *Manager) nack(ctx context.Context, d Delivery, log *slog.Logger) {
	if err := d.Nack(ctx); err != nil {
		log.WarnContext(ctx, "failed to nack delivery", slog.Any("error", err))
	}
}
