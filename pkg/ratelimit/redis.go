package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed per-minute counter shared by every instance using the
// same client and prefix.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
	prefix string
	limit  int64
}

// RedisOption configures the Redis limiter.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix.
// Default: "ratelimit".
func WithPrefix(p string) RedisOption {
	return func(r *Redis) {
		if p != "" {
			r.prefix = p
		}
	}
}

// WithRedisClock overrides the time source used to pick the minute bucket.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedis allows limit admissions per caller per calendar minute.
// The client should be obtained from pkg/redis.Open.
func NewRedis(client redis.UniversalClient, limit int, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		now:    time.Now,
		prefix: "ratelimit",
		limit:  int64(max(limit, 0)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow increments callerID's counter for the current minute.
func (r *Redis) Allow(ctx context.Context, callerID string) (bool, error) {
	key := r.key(callerID, r.now())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	return incr.Val() <= r.limit, nil
}

// RetryAfter returns the time left until the next minute bucket.
func (r *Redis) RetryAfter(string) time.Duration {
	now := r.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func (r *Redis) key(callerID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, callerID, at.Unix()/60)
}
