package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection used for rate limiting and the
// idempotency ledger. An empty URL keeps both in process memory.
type Config struct {
	URL string `env:"REDIS_URL" yaml:"url"`

	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10" yaml:"pool_size"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" yaml:"min_idle_conns"`
	MaxIdleTime  time.Duration `env:"REDIS_MAX_IDLE_TIME" envDefault:"10m" yaml:"max_idle_time"`
	MaxLifetime  time.Duration `env:"REDIS_MAX_LIFETIME" envDefault:"30m" yaml:"max_lifetime"`

	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s" yaml:"write_timeout"`

	RetryAttempts int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3" yaml:"retry_attempts"`
	RetryInterval time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s" yaml:"retry_interval"`
}

// Enabled reports whether a Redis URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Open parses cfg.URL, applies the pool settings and pings the server.
// Failed pings are retried with a linearly growing pause.
func Open(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyConnectionURL
	}
	if !strings.HasPrefix(cfg.URL, "redis://") && !strings.HasPrefix(cfg.URL, "rediss://") {
		return nil, ErrFailedToParseURL
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}
	applyPool(opts, cfg)

	var lastErr error
	for i := range max(cfg.RetryAttempts, 1) {
		if i > 0 {
			if err := wait(ctx, time.Duration(i)*cfg.RetryInterval); err != nil {
				return nil, errors.Join(ErrConnectionFailed, err)
			}
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			lastErr = err
			continue
		}
		return client, nil
	}
	return nil, errors.Join(ErrConnectionFailed, lastErr)
}

func applyPool(opts *redis.Options, cfg Config) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.MaxIdleTime > 0 {
		opts.ConnMaxIdleTime = cfg.MaxIdleTime
	}
	if cfg.MaxLifetime > 0 {
		opts.ConnMaxLifetime = cfg.MaxLifetime
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
