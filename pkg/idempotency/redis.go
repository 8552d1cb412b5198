package idempotency

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis is a ledger shared between instances.
type Redis struct {
	client redis.UniversalClient
	opts   *options
}

// NewRedis creates a Redis backed ledger.
// The client should be obtained from pkg/redis.Open.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Redis{client: client, opts: o}
}

// Lookup returns the request id bound to key.
func (r *Redis) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember binds key to requestID with SET NX. A key already bound to the
// same id is not an error.
func (r *Redis) Remember(ctx context.Context, key, requestID string) error {
	ok, err := r.client.SetNX(ctx, r.key(key), requestID, max(r.opts.ttl, 0)).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, found, err := r.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if found && current != requestID {
		return ErrConflict
	}
	return nil
}

func (r *Redis) key(k string) string {
	return r.opts.prefix + ":" + k
}
