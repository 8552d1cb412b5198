package queue

import "context"

type ctxKey struct{ name string }

var (
	requestIDKey = ctxKey{"request_id"}
	callerIDKey  = ctxKey{"caller_id"}
	attemptKey   = ctxKey{"attempt"}
)

// withRequest annotates the handler context with r's identity.
func withRequest(ctx context.Context, r *Request) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, r.ID)
	ctx = context.WithValue(ctx, callerIDKey, r.CallerID)
	return context.WithValue(ctx, attemptKey, r.RetryCount+1)
}

// RequestIDFromContext returns the id of the request a handler is executing.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// CallerIDFromContext returns the caller that submitted the executing request.
func CallerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerIDKey).(string)
	return id, ok && id != ""
}

// AttemptFromContext returns the 1-based attempt number of the executing request.
func AttemptFromContext(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(attemptKey).(int)
	return n, ok
}
