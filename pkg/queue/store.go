package queue

import (
	"context"
	"time"
)

// RequestStore is the durable record of submitted requests.
// All mutations are single-row and conditioned on the current status.
type RequestStore interface {
	// CreateRequest persists a new request. It returns ErrDuplicateKey when
	// the idempotency key is already taken.
	CreateRequest(ctx context.Context, r *Request) error

	// GetRequest returns ErrNotFound when the request does not exist.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// GetRequestByIdempotencyKey returns ErrNotFound when no request holds the key.
	GetRequestByIdempotencyKey(ctx context.Context, key string) (*Request, error)

	// TransitionRequest applies t only if the request is in one of from,
	// returning the updated record. It returns ErrStatusConflict otherwise,
	// and ErrNotFound for unknown ids.
	TransitionRequest(ctx context.Context, id string, from []Status, t Transition) (*Request, error)

	// CountRequests counts requests in any of the given statuses.
	CountRequests(ctx context.Context, statuses ...Status) (int, error)

	// CountAhead counts PENDING requests of r's mode served before r.
	CountAhead(ctx context.Context, r *Request) (int, error)

	// ListDue returns up to limit PENDING requests of mode whose AvailableAt
	// is not after now, in dispatch order.
	ListDue(ctx context.Context, mode Mode, now time.Time, limit int) ([]*Request, error)

	// ListStale returns up to limit requests in status whose claim started
	// (PROCESSING) or whose availability began (ASSIGNED) before cutoff.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Request, error)

	// CountFailedSince counts FAILED and TIMEOUT requests that failed after since.
	CountFailedSince(ctx context.Context, since time.Time) (int, error)

	// WindowStats aggregates requests touched after since.
	WindowStats(ctx context.Context, since time.Time) (WindowStats, error)
}

// DeadLetterStore holds entries for manual review. Entries are never deleted.
type DeadLetterStore interface {
	// CreateDeadLetter persists e. A second entry for the same original
	// request is ignored.
	CreateDeadLetter(ctx context.Context, e *DeadLetterEntry) error

	// ListDeadLetters returns up to limit entries, newest first. A non-nil
	// reviewed filters on the review flag.
	ListDeadLetters(ctx context.Context, limit int, reviewed *bool) ([]*DeadLetterEntry, error)

	// MarkDeadLetterReviewed records the review. It returns ErrNotFound or
	// ErrAlreadyReviewed.
	MarkDeadLetterReviewed(ctx context.Context, id, reviewer, resolution string, at time.Time) (*DeadLetterEntry, error)

	// CountUnreviewedDeadLetters is the dead-letter backlog.
	CountUnreviewedDeadLetters(ctx context.Context) (int, error)
}

// MetricsStore holds per-minute counters.
type MetricsStore interface {
	// IncrementMetrics upserts the bucket row and adds delta to it.
	IncrementMetrics(ctx context.Context, bucket time.Time, queue string, delta Counters) error

	// SumMetrics sums the queue's buckets at or after since.
	SumMetrics(ctx context.Context, queue string, since time.Time) (Counters, error)
}

// Store is the full persistence surface used by the Manager.
type Store interface {
	RequestStore
	DeadLetterStore
	MetricsStore

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
