package queue_test

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/inproc"
	"github.com/dmitrymomot/jobqueue/pkg/queue/memstore"
)

func TestNewManager(t *testing.T) {
	t.Parallel()

	transport := inproc.New()
	t.Cleanup(func() { _ = transport.Close() })

	t.Run("store required", func(t *testing.T) {
		_, err := queue.NewManager(nil, queue.WithTransport(transport))
		require.ErrorIs(t, err, queue.ErrStoreRequired)
	})

	t.Run("transport required", func(t *testing.T) {
		_, err := queue.NewManager(memstore.New())
		require.ErrorIs(t, err, queue.ErrTransportRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := queue.DefaultConfig()
		cfg.MaxConcurrentWorkers = 0
		cfg.BatchSize = -1
		_, err := queue.NewManager(memstore.New(), queue.WithTransport(transport), queue.WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max concurrent workers")
		assert.Contains(t, err.Error(), "batch size")
	})

	t.Run("rate limit must be positive", func(t *testing.T) {
		cfg := queue.DefaultConfig()
		cfg.RateLimitPerMinute = 0
		_, err := queue.NewManager(memstore.New(), queue.WithTransport(transport), queue.WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limit per minute")
	})

	t.Run("invalid schedule", func(t *testing.T) {
		cfg := queue.DefaultConfig()
		cfg.ReaperSchedule = "every minute"
		_, err := queue.NewManager(memstore.New(), queue.WithTransport(transport), queue.WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid cron schedule")
	})

	t.Run("defaults", func(t *testing.T) {
		m, err := queue.NewManager(memstore.New(), queue.WithTransport(transport), queue.WithMaxWorkers(3))
		require.NoError(t, err)
		cfg := m.Config()
		assert.Equal(t, 3, cfg.MaxConcurrentWorkers)
		assert.Equal(t, 60, cfg.RateLimitPerMinute)
		assert.Equal(t, 10_000, cfg.MaxQueueDepth)
	})
}

func TestNewManager_DefaultsStartNoGoroutines(t *testing.T) {
	transport := inproc.New()
	t.Cleanup(func() { _ = transport.Close() })

	before := runtime.NumGoroutine()
	for range 20 {
		_, err := queue.NewManager(memstore.New(), queue.WithTransport(transport))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)
}

func TestReap_SweepsDefaultLimiterAndLedger(t *testing.T) {
	t.Parallel()

	clk := newClock()
	h := newHarness(t, queue.WithClock(clk.Now))
	ctx := context.Background()

	h.submit(t, params("alice", "notify.email", "k1"))
	require.Equal(t, []int{1, 1}, h.m.Tracked())

	clk.Advance(25 * time.Hour)
	require.NoError(t, h.m.Reap(ctx))
	assert.Equal(t, []int{0, 0}, h.m.Tracked())
}

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.m.Stop(ctx), queue.ErrNotStarted)

	start := h.m.StartFunc()
	require.NoError(t, start(ctx))
	require.ErrorIs(t, h.m.Start(ctx), queue.ErrAlreadyStarted)

	stop := h.m.Shutdown()
	require.NoError(t, stop(ctx))
	require.ErrorIs(t, h.m.Stop(ctx), queue.ErrNotStarted)

	// A stopped manager can be started again.
	require.NoError(t, h.m.Start(ctx))
	require.NoError(t, h.m.Stop(ctx))
}

func TestManager_StartCancelledContextDoesNotStopWorkers(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	h := newHarness(t, queue.WithHandler("ordered", rec))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.m.Start(ctx))
	cancel()
	t.Cleanup(func() { _ = h.m.Stop(context.Background()) })

	p := params("alice", "ordered", "k1")
	p.Payload = json.RawMessage(`{"name":"after-cancel"}`)
	res := h.submit(t, p)
	h.waitStatus(t, res.RequestID, "alice", queue.StatusCompleted)
	assert.Equal(t, []string{"after-cancel"}, rec.seen())
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	err := queue.Healthcheck(nil)(ctx)
	require.ErrorIs(t, err, queue.ErrHealthcheckFailed)
	assert.Contains(t, err.Error(), "manager is nil")

	h := newHarness(t)
	check := queue.Healthcheck(h.m)

	err = check(ctx)
	require.ErrorIs(t, err, queue.ErrHealthcheckFailed)
	assert.Contains(t, err.Error(), "manager not started")

	h.start(t)
	require.NoError(t, check(ctx))
}

func TestContextAccessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := queue.RequestIDFromContext(ctx)
	assert.False(t, ok)
	_, ok = queue.CallerIDFromContext(ctx)
	assert.False(t, ok)
	_, ok = queue.AttemptFromContext(ctx)
	assert.False(t, ok)

	handler := newFlaky(1)
	var attempts []int
	h := newHarness(t, queue.WithHandler("notify.email", queue.HandlerFunc(func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		n, _ := queue.AttemptFromContext(ctx)
		attempts = append(attempts, n)
		return handler.Execute(ctx, p)
	})), queue.WithMaxWorkers(1))
	h.start(t)

	res := h.submit(t, params("alice", "notify.email", "k1"))
	h.waitStatus(t, res.RequestID, "alice", queue.StatusCompleted)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, attempts)
}
