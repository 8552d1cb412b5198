package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const requestColumns = `
	id, caller_id, type, payload, metadata, mode, priority, status,
	idempotency_key, retry_count, error, error_history, result,
	created_at, available_at, first_attempt_at, processing_started_at,
	completed_at, failed_at`

// CreateRequest implements queue.RequestStore.
func (s *Store) CreateRequest(ctx context.Context, r *queue.Request) error {
	history := r.ErrorHistory
	if history == nil {
		history = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.CallerID, r.Type, []byte(r.Payload), r.Metadata, string(r.Mode), r.Priority, string(r.Status),
		r.IdempotencyKey, r.RetryCount, r.Error, history, nullBytes(r.Result),
		r.CreatedAt, r.AvailableAt, r.FirstAttemptAt, r.ProcessingStartedAt,
		r.CompletedAt, r.FailedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return queue.ErrDuplicateKey
		}
		return fmt.Errorf("pgstore: create request: %w", err)
	}
	return nil
}

// GetRequest implements queue.RequestStore.
func (s *Store) GetRequest(ctx context.Context, id string) (*queue.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM queue_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get request: %w", err)
	}
	return r, nil
}

// GetRequestByIdempotencyKey implements queue.RequestStore.
func (s *Store) GetRequestByIdempotencyKey(ctx context.Context, key string) (*queue.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM queue_requests WHERE idempotency_key = $1`, key)
	r, err := scanRequest(row)
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get request by key: %w", err)
	}
	return r, nil
}

// TransitionRequest implements queue.RequestStore. The update mirrors
// queue.Transition.Apply.
func (s *Store) TransitionRequest(ctx context.Context, id string, from []queue.Status, t queue.Transition) (*queue.Request, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_requests SET
			status                = $3,
			available_at          = COALESCE($4::timestamptz, available_at),
			first_attempt_at      = COALESCE(first_attempt_at, $5::timestamptz),
			processing_started_at = CASE WHEN $6::boolean THEN NULL
			                             ELSE COALESCE($5::timestamptz, processing_started_at) END,
			completed_at          = COALESCE($7::timestamptz, completed_at),
			failed_at             = COALESCE($8::timestamptz, failed_at),
			retry_count           = COALESCE($9::integer, retry_count),
			error                 = COALESCE($10::text, error),
			error_history         = CASE WHEN $11::text = '' THEN error_history
			                             ELSE error_history || jsonb_build_array($11::text) END,
			result                = COALESCE($12::bytea, result)
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+requestColumns,
		id, statusStrings(from), string(t.To),
		t.AvailableAt, t.ProcessingStartedAt, t.ClearProcessingStartedAt,
		t.CompletedAt, t.FailedAt, t.RetryCount, t.Error, t.AppendError,
		nullBytes(t.Result),
	)

	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("pgstore: transition request: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_requests WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pgstore: transition request: %w", err)
	}
	if !exists {
		return nil, queue.ErrNotFound
	}
	return nil, queue.ErrStatusConflict
}

// CountRequests implements queue.RequestStore.
func (s *Store) CountRequests(ctx context.Context, statuses ...queue.Status) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_requests WHERE status = ANY($1)`,
		statusStrings(statuses),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count requests: %w", err)
	}
	return n, nil
}

// CountAhead implements queue.RequestStore.
func (s *Store) CountAhead(ctx context.Context, r *queue.Request) (int, error) {
	query := `
		SELECT count(*) FROM queue_requests
		WHERE status = 'PENDING' AND mode = $1 AND id <> $2
		  AND (created_at, id) < ($3, $2)`
	args := []any{string(r.Mode), r.ID, r.CreatedAt}
	if r.Mode == queue.ModePriority {
		query = `
			SELECT count(*) FROM queue_requests
			WHERE status = 'PENDING' AND mode = $1 AND id <> $2
			  AND (priority > $4 OR (priority = $4 AND (created_at, id) < ($3, $2)))`
		args = append(args, r.Priority)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count ahead: %w", err)
	}
	return n, nil
}

// ListDue implements queue.RequestStore.
func (s *Store) ListDue(ctx context.Context, mode queue.Mode, now time.Time, limit int) ([]*queue.Request, error) {
	order := `created_at, id`
	if mode == queue.ModePriority {
		order = `priority DESC, created_at, id`
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM queue_requests
		WHERE status = 'PENDING' AND mode = $1 AND available_at <= $2
		ORDER BY `+order+`
		LIMIT $3`,
		string(mode), now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list due: %w", err)
	}
	return collectRequests(rows)
}

// ListStale implements queue.RequestStore.
func (s *Store) ListStale(ctx context.Context, status queue.Status, cutoff time.Time, limit int) ([]*queue.Request, error) {
	column := `available_at`
	if status == queue.StatusProcessing {
		column = `processing_started_at`
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM queue_requests
		WHERE status = $1 AND `+column+` < $2
		ORDER BY `+column+`
		LIMIT $3`,
		string(status), cutoff, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list stale: %w", err)
	}
	return collectRequests(rows)
}

// CountFailedSince implements queue.RequestStore.
func (s *Store) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_requests
		WHERE status IN ('FAILED', 'TIMEOUT') AND failed_at > $1`,
		since,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count failed: %w", err)
	}
	return n, nil
}

// WindowStats implements queue.RequestStore. Durations are summed in
// microseconds, the resolution of timestamptz.
func (s *Store) WindowStats(ctx context.Context, since time.Time) (queue.WindowStats, error) {
	var (
		ws                queue.WindowStats
		waitUs, processUs int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE created_at >= $1),
			count(*) FILTER (WHERE status = 'COMPLETED' AND completed_at >= $1),
			count(*) FILTER (WHERE status IN ('FAILED', 'TIMEOUT') AND failed_at >= $1),
			COALESCE(SUM(EXTRACT(EPOCH FROM first_attempt_at - created_at) * 1000000)
				FILTER (WHERE first_attempt_at >= $1), 0)::bigint,
			count(*) FILTER (WHERE first_attempt_at >= $1),
			COALESCE(SUM(EXTRACT(EPOCH FROM completed_at - processing_started_at) * 1000000)
				FILTER (WHERE status = 'COMPLETED' AND completed_at >= $1
				        AND processing_started_at IS NOT NULL), 0)::bigint,
			count(*) FILTER (WHERE status = 'COMPLETED' AND completed_at >= $1
			                 AND processing_started_at IS NOT NULL)
		FROM queue_requests
		WHERE created_at >= $1 OR first_attempt_at >= $1
		   OR completed_at >= $1 OR failed_at >= $1`,
		since,
	).Scan(
		&ws.Submitted, &ws.Completed, &ws.Failed,
		&waitUs, &ws.WaitSamples,
		&processUs, &ws.ProcessingSamples,
	)
	if err != nil {
		return ws, fmt.Errorf("pgstore: window stats: %w", err)
	}
	ws.TotalWait = time.Duration(waitUs) * time.Microsecond
	ws.TotalProcessing = time.Duration(processUs) * time.Microsecond
	return ws, nil
}

func scanRequest(row pgx.Row) (*queue.Request, error) {
	var (
		r                   queue.Request
		payload, result     []byte
		mode, status        string
		firstAttempt, start *time.Time
		completed, failed   *time.Time
	)
	if err := row.Scan(
		&r.ID, &r.CallerID, &r.Type, &payload, &r.Metadata, &mode, &r.Priority, &status,
		&r.IdempotencyKey, &r.RetryCount, &r.Error, &r.ErrorHistory, &result,
		&r.CreatedAt, &r.AvailableAt, &firstAttempt, &start,
		&completed, &failed,
	); err != nil {
		return nil, err
	}

	r.Payload = payload
	r.Result = result
	r.Mode = queue.Mode(mode)
	r.Status = queue.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.AvailableAt = r.AvailableAt.UTC()
	r.FirstAttemptAt = utc(firstAttempt)
	r.ProcessingStartedAt = utc(start)
	r.CompletedAt = utc(completed)
	r.FailedAt = utc(failed)
	if len(r.ErrorHistory) == 0 {
		r.ErrorHistory = nil
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]*queue.Request, error) {
	defer rows.Close()

	var out []*queue.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate requests: %w", err)
	}
	return out, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// nullBytes keeps an absent body NULL instead of an empty bytea.
func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
