package idempotency

import "time"

// Option configures a ledger.
type Option func(*options)

type options struct {
	now             func() time.Time
	prefix          string
	ttl             time.Duration
	cleanupInterval time.Duration
	capacity        int
}

func defaultOptions() *options {
	return &options{
		now:             time.Now,
		prefix:          "idempotency",
		ttl:             24 * time.Hour,
		cleanupInterval: time.Minute,
		capacity:        0, // 0 = unlimited
	}
}

// WithTTL sets how long a key is remembered. Non-positive keeps keys until
// evicted by capacity.
// Default: 24 hours.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithCapacity bounds the number of keys kept by the memory ledger; the
// least recently used key is evicted first. Zero means unlimited.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.capacity = n
		}
	}
}

// WithCleanupInterval sets how often the memory ledger drops expired keys.
// Zero disables the janitor.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

// WithPrefix sets the Redis key prefix.
// Default: "idempotency".
func WithPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.prefix = p
		}
	}
}

// WithClock overrides the time source of the memory ledger.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
