// Package adminapi exposes queue health, metrics and dead-letter review over
// HTTP for operators. Routes under /admin require the static bearer token.
package adminapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/jobqueue/pkg/health"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Queue is the slice of *queue.Manager the admin surface needs.
type Queue interface {
	GetHealth(ctx context.Context) (*queue.Health, error)
	GetMetrics(ctx context.Context, periodMinutes int) (*queue.Metrics, error)
	ListDeadLetters(ctx context.Context, limit int, reviewed *bool) ([]*queue.DeadLetterEntry, error)
	MarkDeadLetterReviewed(ctx context.Context, entryID, reviewerID, resolution string) (*queue.DeadLetterEntry, error)
}

// Option configures the router.
type Option func(*options)

type options struct {
	logger *slog.Logger
	checks health.Checks
	token  string
	name   string
}

// WithToken sets the bearer token guarding /admin. Without a token the
// /admin routes are not mounted.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChecks adds infrastructure checks to /readyz next to the queue check.
func WithChecks(checks health.Checks) Option {
	return func(o *options) {
		for name, c := range checks {
			o.checks[name] = c
		}
	}
}

// WithQueueName sets the queue label of exported metrics.
// Default: "default".
func WithQueueName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// New builds the admin router.
func New(q Queue, opts ...Option) http.Handler {
	o := &options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		checks: health.Checks{},
		name:   "default",
	}
	for _, opt := range opts {
		opt(o)
	}
	o.checks["queue"] = queueCheck(q)

	h := &handlers{queue: q, logger: o.logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(q, o.name))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer(o.logger))

	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", health.ReadinessHandler(o.checks, health.WithLogger(o.logger)))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if o.token == "" {
		o.logger.Warn("admin token not configured, /admin routes are disabled")
		return r
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(o.token))
		r.Get("/health", h.health)
		r.Get("/metrics", h.metrics)
		r.Get("/dead-letters", h.listDeadLetters)
		r.Post("/dead-letters/{id}/review", h.reviewDeadLetter)
	})
	return r
}

// queueCheck reports the derived queue status to readiness probes.
func queueCheck(q Queue) health.CheckFunc {
	return func(ctx context.Context) error {
		h, err := q.GetHealth(ctx)
		if err != nil {
			return err
		}
		switch h.Status {
		case queue.HealthUnhealthy:
			return statusError(h)
		case queue.HealthDegraded:
			return health.Degraded(statusError(h))
		}
		return nil
	}
}
