package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const deadLetterColumns = `
	id, original_request_id, caller_id, type, original_payload, failure_reason,
	attempt_count, error_history, first_attempt_at, last_attempt_at, created_at,
	reviewed, reviewed_at, reviewed_by, resolution`

// CreateDeadLetter implements queue.DeadLetterStore.
func (s *Store) CreateDeadLetter(ctx context.Context, e *queue.DeadLetterEntry) error {
	history := e.ErrorHistory
	if history == nil {
		history = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (original_request_id) DO NOTHING`,
		e.ID, e.OriginalRequestID, e.CallerID, e.Type, []byte(e.OriginalPayload), e.FailureReason,
		e.AttemptCount, history, e.FirstAttemptAt, e.LastAttemptAt, e.CreatedAt,
		e.Reviewed, e.ReviewedAt, e.ReviewedBy, e.Resolution,
	)
	if err != nil {
		return fmt.Errorf("pgstore: create dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters implements queue.DeadLetterStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int, reviewed *bool) ([]*queue.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM queue_dead_letters
		WHERE $1::boolean IS NULL OR reviewed = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		reviewed, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*queue.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate dead letters: %w", err)
	}
	return out, nil
}

// MarkDeadLetterReviewed implements queue.DeadLetterStore.
func (s *Store) MarkDeadLetterReviewed(ctx context.Context, id, reviewer, resolution string, at time.Time) (*queue.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_dead_letters
		SET reviewed = TRUE, reviewed_at = $2, reviewed_by = $3, resolution = $4
		WHERE id = $1 AND NOT reviewed
		RETURNING `+deadLetterColumns,
		id, at, reviewer, resolution,
	)
	e, err := scanDeadLetter(row)
	if err == nil {
		return e, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("pgstore: review dead letter: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_dead_letters WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pgstore: review dead letter: %w", err)
	}
	if !exists {
		return nil, queue.ErrNotFound
	}
	return nil, queue.ErrAlreadyReviewed
}

// CountUnreviewedDeadLetters implements queue.DeadLetterStore.
func (s *Store) CountUnreviewedDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_dead_letters WHERE NOT reviewed`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row pgx.Row) (*queue.DeadLetterEntry, error) {
	var (
		e        queue.DeadLetterEntry
		payload  []byte
		reviewed *time.Time
	)
	if err := row.Scan(
		&e.ID, &e.OriginalRequestID, &e.CallerID, &e.Type, &payload, &e.FailureReason,
		&e.AttemptCount, &e.ErrorHistory, &e.FirstAttemptAt, &e.LastAttemptAt, &e.CreatedAt,
		&e.Reviewed, &reviewed, &e.ReviewedBy, &e.Resolution,
	); err != nil {
		return nil, err
	}
	e.OriginalPayload = payload
	e.FirstAttemptAt = e.FirstAttemptAt.UTC()
	e.LastAttemptAt = e.LastAttemptAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.ReviewedAt = utc(reviewed)
	return &e, nil
}
