package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// queueFullRetryAfter is the hint attached to ErrQueueFull.
const queueFullRetryAfter = 5 * time.Second

// SubmitParams describe a unit of work.
type SubmitParams struct {
	Metadata       map[string]string
	CallerID       string
	Type           string
	IdempotencyKey string
	Mode           Mode
	Payload        json.RawMessage
	// Priority is 1..20, higher first. Zero means DefaultPriority.
	Priority int
}

// SubmitResult is the admission outcome.
type SubmitResult struct {
	RequestID     string          `json:"request_id"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	QueuePosition int             `json:"queue_position"`
	// Duplicate is set when the idempotency key was admitted before and the
	// existing request is returned unchanged.
	Duplicate bool `json:"duplicate"`
}

// StatusView is the caller-visible state of a request.
type StatusView struct {
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	RequestID   string          `json:"request_id"`
	Type        string          `json:"type"`
	Mode        Mode            `json:"mode"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// Submit admits a request: validation, rate limit, idempotency, depth check,
// persistence and transport handoff, in that order. Resubmitting an admitted
// idempotency key returns the existing request without side effects.
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}

	ok, err := m.limiter.Allow(ctx, p.CallerID)
	if err != nil {
		return nil, errors.Join(ErrSystem, err)
	}
	if !ok {
		var after time.Duration
		if h, isHinter := m.limiter.(retryAfterHinter); isHinter {
			after = h.RetryAfter(p.CallerID)
		}
		m.logger.DebugContext(ctx, "submission rate limited",
			slog.String("caller_id", p.CallerID),
			slog.Duration("retry_after", after),
		)
		return nil, withRetryAfter(ErrRateLimitExceeded, after)
	}

	// The leader stores its own token; followers observe a foreign one and
	// report the shared record as a duplicate.
	token := new(byte)
	v, err, _ := m.inflight.Do(p.IdempotencyKey, func() (any, error) {
		r, dup, err := m.admit(ctx, p)
		if err != nil {
			return nil, err
		}
		return admitted{req: r, dup: dup, leader: token}, nil
	})
	if err != nil {
		return nil, err
	}

	a := v.(admitted)
	if a.req.CallerID != p.CallerID {
		return nil, ErrUnauthorized
	}

	res := &SubmitResult{
		RequestID: a.req.ID,
		Status:    a.req.Status,
		Error:     a.req.Error,
		Result:    a.req.Result,
		Duplicate: a.dup || a.leader != token,
	}
	if a.req.Status == StatusPending {
		pos, err := m.store.CountAhead(ctx, a.req)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to compute queue position",
				slog.String("request_id", a.req.ID),
				slog.Any("error", err),
			)
		}
		res.QueuePosition = pos
	}
	return res, nil
}

type admitted struct {
	req    *Request
	leader *byte
	dup    bool
}

// admit runs the idempotency, depth and persistence steps for one key.
func (m *Manager) admit(ctx context.Context, p SubmitParams) (*Request, bool, error) {
	existing, err := m.lookup(ctx, p.IdempotencyKey)
	if err != nil {
		return nil, false, errors.Join(ErrSystem, err)
	}
	if existing != nil {
		return existing, true, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, errors.Join(ErrSystem, err)
	}
	now := m.now()
	r := &Request{
		ID:             id.String(),
		CallerID:       p.CallerID,
		Type:           p.Type,
		Payload:        p.Payload,
		Metadata:       p.Metadata,
		Mode:           p.Mode,
		Priority:       p.Priority,
		Status:         StatusPending,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		AvailableAt:    now,
	}

	if err := m.insertWithinDepth(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost the race against another instance.
			existing, err := m.store.GetRequestByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return nil, false, errors.Join(ErrSystem, err)
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	if err := m.ledger.Remember(ctx, r.IdempotencyKey, r.ID); err != nil {
		m.logger.WarnContext(ctx, "failed to remember idempotency key",
			slog.String("request_id", r.ID),
			slog.Any("error", err),
		)
	}
	m.record(ctx, Counters{Queued: 1})

	m.logger.DebugContext(ctx, "request admitted",
		slog.String("request_id", r.ID),
		slog.String("caller_id", r.CallerID),
		slog.String("type", r.Type),
		slog.String("mode", string(r.Mode)),
		slog.Int("priority", r.Priority),
	)

	if err := m.handoff(ctx, r); err != nil {
		// The request is stored PENDING; the reaper re-hands it once overdue.
		m.logger.ErrorContext(ctx, "failed to hand request to transport",
			slog.String("request_id", r.ID),
			slog.Any("error", err),
		)
		return nil, false, errors.Join(ErrSystem, err)
	}
	return r, false, nil
}

// insertWithinDepth persists r unless the queue is full. The depth check and
// the insert are one step per process; instances sharing a store can still
// overshoot by their concurrent admissions.
func (m *Manager) insertWithinDepth(ctx context.Context, r *Request) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	depth, err := m.store.CountRequests(ctx, waitingStatuses...)
	if err != nil {
		return errors.Join(ErrSystem, err)
	}
	if depth >= m.cfg.MaxQueueDepth {
		m.logger.WarnContext(ctx, "queue full, rejecting submission",
			slog.String("queue", m.cfg.Name),
			slog.Int("depth", depth),
		)
		return withRetryAfter(ErrQueueFull, queueFullRetryAfter)
	}

	err = m.store.CreateRequest(ctx, r)
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return errors.Join(ErrSystem, err)
	}
	return err
}

// lookup resolves an idempotency key through the ledger, then the store.
func (m *Manager) lookup(ctx context.Context, key string) (*Request, error) {
	if id, ok, err := m.ledger.Lookup(ctx, key); err == nil && ok {
		r, err := m.store.GetRequest(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else if err != nil {
		m.logger.WarnContext(ctx, "idempotency ledger lookup failed", slog.Any("error", err))
	}

	r, err := m.store.GetRequestByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func validate(p *SubmitParams) error {
	if p.CallerID == "" || p.Type == "" || p.IdempotencyKey == "" || len(p.Payload) == 0 {
		return ErrInvalidRequest
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if !p.Mode.Valid() {
		return ErrInvalidMode
	}
	return nil
}

// GetStatus returns the state of a request owned by callerID.
func (m *Manager) GetStatus(ctx context.Context, requestID, callerID string) (*StatusView, error) {
	r, err := m.ownedRequest(ctx, requestID, callerID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		RequestID:   r.ID,
		Type:        r.Type,
		Mode:        r.Mode,
		Status:      r.Status,
		RetryCount:  r.RetryCount,
		Result:      r.Result,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
		FailedAt:    r.FailedAt,
	}, nil
}

// Cancel cancels a request that has not started processing.
func (m *Manager) Cancel(ctx context.Context, requestID, callerID string) error {
	r, err := m.ownedRequest(ctx, requestID, callerID)
	if err != nil {
		return err
	}
	if r.Status != StatusPending && r.Status != StatusAssigned {
		return ErrInvalidStatus
	}

	at := m.now()
	_, err = m.store.TransitionRequest(ctx, r.ID, waitingStatuses, Transition{
		To:          StatusCancelled,
		CompletedAt: &at,
	})
	switch {
	case errors.Is(err, ErrStatusConflict):
		return ErrInvalidStatus
	case err != nil:
		return errors.Join(ErrSystem, err)
	}

	m.logger.InfoContext(ctx, "request cancelled",
		slog.String("request_id", r.ID),
		slog.String("caller_id", callerID),
	)
	return nil
}

// ownedRequest loads a request and checks that callerID submitted it.
func (m *Manager) ownedRequest(ctx context.Context, requestID, callerID string) (*Request, error) {
	if requestID == "" || callerID == "" {
		return nil, ErrInvalidRequest
	}
	r, err := m.store.GetRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrSystem, err)
	}
	if r.CallerID != callerID {
		return nil, ErrUnauthorized
	}
	return r, nil
}
