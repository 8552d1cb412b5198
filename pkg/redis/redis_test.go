package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := Open(ctx, Config{})
	require.ErrorIs(t, err, ErrEmptyConnectionURL)

	for _, url := range []string{
		"http://localhost:6379",
		"localhost:6379",
		"postgres://localhost:5432",
		"redis://localhost:notaport",
		"redis://localhost:6379/notanumber",
	} {
		client, err := Open(ctx, Config{URL: url})
		assert.Nil(t, client, url)
		assert.ErrorIs(t, err, ErrFailedToParseURL, url)
	}
}

func TestOpen_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Open(ctx, Config{
		URL:           "redis://127.0.0.1:1",
		DialTimeout:   50 * time.Millisecond,
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestApplyPool(t *testing.T) {
	t.Parallel()

	opts := &goredis.Options{PoolSize: 7, DialTimeout: time.Second}
	applyPool(opts, Config{PoolSize: 25, MinIdleConns: 4, ReadTimeout: 2 * time.Second})

	assert.Equal(t, 25, opts.PoolSize)
	assert.Equal(t, 4, opts.MinIdleConns)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, time.Second, opts.DialTimeout)
}

func TestConfig_Enabled(t *testing.T) {
	t.Parallel()

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "redis://localhost:6379"}.Enabled())
}

func TestHealthcheck_NilClient(t *testing.T) {
	t.Parallel()

	err := Healthcheck(nil)(context.Background())
	assert.ErrorIs(t, err, ErrHealthcheckFailed)
}

type closer struct {
	closed bool
	err    error
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	c := &closer{err: errors.New("close error")}
	err := Shutdown(c)(context.Background())
	assert.EqualError(t, err, "close error")
	assert.True(t, c.closed)
}

func TestWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.ErrorIs(t, wait(ctx, 10*time.Second), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, wait(context.Background(), 10*time.Millisecond))
}
