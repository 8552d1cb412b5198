package logger

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// QueueExtractors annotate records logged from handler contexts with the
// executing request's id, caller and attempt.
func QueueExtractors() []ContextExtractor {
	return []ContextExtractor{
		func(ctx context.Context) (slog.Attr, bool) {
			id, ok := queue.RequestIDFromContext(ctx)
			return slog.String("request_id", id), ok
		},
		func(ctx context.Context) (slog.Attr, bool) {
			id, ok := queue.CallerIDFromContext(ctx)
			return slog.String("caller_id", id), ok
		},
		func(ctx context.Context) (slog.Attr, bool) {
			n, ok := queue.AttemptFromContext(ctx)
			return slog.Int("attempt", n), ok
		},
	}
}
