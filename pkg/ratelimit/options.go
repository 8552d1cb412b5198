package ratelimit

import "time"

// Option configures an in-process limiter.
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

func defaultOptions() *options {
	return &options{
		now:             time.Now,
		cleanupInterval: time.Minute,
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCleanupInterval sets how often idle callers are evicted.
// Zero disables the janitor.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}
