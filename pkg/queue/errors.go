package queue

import (
	"errors"
	"time"
)

// Caller-facing errors. Each maps to a stable code via [Code].
var (
	// ErrInvalidRequest is returned when a required submission field is missing.
	ErrInvalidRequest = errors.New("queue: invalid request")

	// ErrInvalidPriority is returned when priority is outside [MinPriority, MaxPriority].
	ErrInvalidPriority = errors.New("queue: invalid priority")

	// ErrInvalidMode is returned when mode is not FIFO, PRIORITY or BATCH.
	ErrInvalidMode = errors.New("queue: invalid mode")

	// ErrRateLimitExceeded is returned when the caller exhausted its admission budget.
	ErrRateLimitExceeded = errors.New("queue: rate limit exceeded")

	// ErrQueueFull is returned when the number of waiting requests reached MaxQueueDepth.
	ErrQueueFull = errors.New("queue: queue full")

	// ErrUnauthorized is returned when the caller does not own the request.
	ErrUnauthorized = errors.New("queue: unauthorized")

	// ErrNotFound is returned when a request or dead-letter entry does not exist.
	ErrNotFound = errors.New("queue: not found")

	// ErrInvalidStatus is returned when an operation is not allowed in the current status.
	ErrInvalidStatus = errors.New("queue: invalid status")

	// ErrWorkerUnavailable is recorded when no handler is registered for a request type.
	ErrWorkerUnavailable = errors.New("queue: no handler registered")

	// ErrTimeout is recorded when a handler exceeds the processing timeout.
	ErrTimeout = errors.New("queue: processing timeout")

	// ErrSystem wraps durable-store and infrastructure failures.
	ErrSystem = errors.New("queue: system error")
)

// Infrastructure errors.
var (
	// ErrStoreRequired is returned when NewManager is called without a store.
	ErrStoreRequired = errors.New("queue: store is required")

	// ErrTransportRequired is returned when NewManager is called without a transport.
	ErrTransportRequired = errors.New("queue: transport is required")

	// ErrAlreadyStarted is returned when starting a running manager.
	ErrAlreadyStarted = errors.New("queue: already started")

	// ErrNotStarted is returned when stopping a manager that is not running.
	ErrNotStarted = errors.New("queue: not started")

	// ErrDuplicateKey is returned by stores when the idempotency key is already taken.
	ErrDuplicateKey = errors.New("queue: duplicate idempotency key")

	// ErrStatusConflict is returned by stores when a compare-and-set transition
	// finds the request in a status other than the expected ones.
	ErrStatusConflict = errors.New("queue: status conflict")

	// ErrAlreadyReviewed is returned when a dead-letter entry was reviewed before.
	ErrAlreadyReviewed = errors.New("queue: dead letter already reviewed")

	// ErrInvalidPayload is returned by typed tasks when the payload cannot be decoded.
	ErrInvalidPayload = errors.New("queue: invalid payload")

	// ErrHealthcheckFailed is returned by the manager health check.
	ErrHealthcheckFailed = errors.New("queue: healthcheck failed")
)

// Error codes as exposed to calling modules.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidPriority   = "INVALID_PRIORITY"
	CodeInvalidMode       = "INVALID_MODE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeQueueFull         = "QUEUE_FULL"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
	CodeTimeout           = "TIMEOUT"
	CodeDuplicateRequest  = "DUPLICATE_REQUEST"
	CodeSystemError       = "SYSTEM_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrInvalidPayload, CodeInvalidRequest},
	{ErrInvalidPriority, CodeInvalidPriority},
	{ErrInvalidMode, CodeInvalidMode},
	{ErrRateLimitExceeded, CodeRateLimitExceeded},
	{ErrQueueFull, CodeQueueFull},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrAlreadyReviewed, CodeInvalidStatus},
	{ErrWorkerUnavailable, CodeWorkerUnavailable},
	{ErrTimeout, CodeTimeout},
}

// Code returns the wire code for err. Unknown errors are reported as SYSTEM_ERROR,
// nil as an empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeSystemError
}

// retryAfterError carries a suggested back-off for admission-control rejections.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func withRetryAfter(err error, d time.Duration) error {
	return &retryAfterError{err: err, after: d}
}

// RetryAfter reports the suggested delay before the caller retries a rejected
// submission. ok is false when err carries no hint.
func RetryAfter(err error) (d time.Duration, ok bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// permanentError marks a handler error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry manager fails the request immediately
// instead of scheduling another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
