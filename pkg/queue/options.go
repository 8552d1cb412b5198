package queue

import (
	"context"
	"log/slog"
	"time"
)

// RateLimiter gates admissions per caller.
type RateLimiter interface {
	Allow(ctx context.Context, callerID string) (bool, error)
}

// retryAfterHinter is implemented by limiters that know when a rejected
// caller may try again.
type retryAfterHinter interface {
	RetryAfter(callerID string) time.Duration
}

// Ledger maps idempotency keys to admitted request ids. It is a lookup
// accelerator; the store's unique index stays authoritative.
type Ledger interface {
	Lookup(ctx context.Context, key string) (requestID string, ok bool, err error)
	Remember(ctx context.Context, key, requestID string) error
}

// config holds manager construction settings.
type config struct {
	transport Transport
	limiter   RateLimiter
	ledger    Ledger
	logger    *slog.Logger
	now       func() time.Time
	registry  *handlerRegistry
	cfg       Config
}

func newConfig() *config {
	return &config{
		cfg:      DefaultConfig(),
		registry: newHandlerRegistry(),
		now:      time.Now,
	}
}

// Option configures the Manager.
type Option func(*config)

// WithConfig replaces the tuning parameters. Zero fields are not defaulted;
// start from DefaultConfig.
func WithConfig(c Config) Option {
	return func(cfg *config) {
		cfg.cfg = c
	}
}

// WithTransport sets the job transport. Required.
func WithTransport(t Transport) Option {
	return func(c *config) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithRateLimiter replaces the default in-process sliding window limiter,
// e.g. with a Redis backed one shared between instances.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *config) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithLedger replaces the default in-process idempotency ledger.
func WithLedger(l Ledger) Option {
	return func(c *config) {
		if l != nil {
			c.ledger = l
		}
	}
}

// WithLogger sets the logger. If not set, a noop logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxWorkers overrides Config.MaxConcurrentWorkers.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cfg.MaxConcurrentWorkers = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithHandler registers a handler for the request type.
//
// Example:
//
//	queue.WithHandler("notify.email", queue.HandlerFunc(sendEmail))
func WithHandler(typ string, h JobHandler) Option {
	return func(c *config) {
		c.registry.register(typ, h)
	}
}

// WithTask registers a typed task using structural typing.
// The task must implement Type() and Handle(ctx, P) (R, error). The payload
// is decoded from JSON into P, the result encoded to JSON from R.
//
// Example:
//
//	type ChargeTip struct{ billing *billing.Client }
//
//	func (t *ChargeTip) Type() string { return "payments.tip" }
//	func (t *ChargeTip) Handle(ctx context.Context, p TipPayload) (TipReceipt, error) {
//	    return t.billing.Charge(ctx, p.UserID, p.Amount)
//	}
//
//	queue.WithTask[TipPayload, TipReceipt](tasks.NewChargeTip(billingClient))
func WithTask[P, R any, T interface {
	Type() string
	Handle(context.Context, P) (R, error)
}](task T) Option {
	return func(c *config) {
		c.registry.register(task.Type(), newTaskHandler[P, R, T](task))
	}
}
