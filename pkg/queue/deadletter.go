package queue

import (
	"context"
	"errors"
	"log/slog"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
)

// ListDeadLetterEntries returns up to limit unreviewed entries, newest first.
// A non-positive limit selects the default of 50.
func (m *Manager) ListDeadLetterEntries(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	unreviewed := false
	return m.ListDeadLetters(ctx, limit, &unreviewed)
}

// ListDeadLetters returns up to limit entries, newest first. A nil reviewed
// lists every entry.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int, reviewed *bool) ([]*DeadLetterEntry, error) {
	switch {
	case limit <= 0:
		limit = defaultDeadLetterLimit
	case limit > maxDeadLetterLimit:
		limit = maxDeadLetterLimit
	}
	entries, err := m.store.ListDeadLetters(ctx, limit, reviewed)
	if err != nil {
		return nil, errors.Join(ErrSystem, err)
	}
	return entries, nil
}

// MarkDeadLetterReviewed records a human review of an entry. An entry can be
// reviewed once; it is never deleted.
func (m *Manager) MarkDeadLetterReviewed(ctx context.Context, entryID, reviewerID, resolution string) (*DeadLetterEntry, error) {
	if entryID == "" || reviewerID == "" {
		return nil, ErrInvalidRequest
	}

	e, err := m.store.MarkDeadLetterReviewed(ctx, entryID, reviewerID, resolution, m.now())
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyReviewed):
		return nil, err
	case err != nil:
		return nil, errors.Join(ErrSystem, err)
	}

	m.logger.InfoContext(ctx, "dead letter reviewed",
		slog.String("entry_id", e.ID),
		slog.String("request_id", e.OriginalRequestID),
		slog.String("reviewer_id", reviewerID),
	)
	return e, nil
}
