package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

func TestDispatch_Completes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var gotID, gotCaller atomic.Value
	h.m.RegisterHandler("system.echo", queue.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		id, _ := queue.RequestIDFromContext(ctx)
		caller, _ := queue.CallerIDFromContext(ctx)
		gotID.Store(id)
		gotCaller.Store(caller)
		return payload, nil
	}))
	h.start(t)

	res := h.submit(t, params("alice", "system.echo", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusCompleted)

	assert.JSONEq(t, `{"to":"user@example.com"}`, string(v.Result), "result is stored verbatim")
	assert.Zero(t, v.RetryCount)
	assert.Empty(t, v.Error)
	require.NotNil(t, v.CompletedAt)
	assert.Equal(t, res.RequestID, gotID.Load())
	assert.Equal(t, "alice", gotCaller.Load())

	r, err := h.store.GetRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.NotNil(t, r.ProcessingStartedAt)
	assert.NotNil(t, r.FirstAttemptAt)
}

func TestDispatch_CompletedRequestIsDeduplicated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var calls atomic.Int32
	h.m.RegisterHandler("system.echo", queue.HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return payload, nil
	}))
	h.start(t)

	res := h.submit(t, params("alice", "system.echo", "k1"))
	h.waitStatus(t, res.RequestID, "alice", queue.StatusCompleted)

	again := h.submit(t, params("alice", "system.echo", "k1"))
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.RequestID, again.RequestID)
	assert.Equal(t, queue.StatusCompleted, again.Status)
	assert.JSONEq(t, `{"to":"user@example.com"}`, string(again.Result))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "handler runs once per idempotency key")
}

func TestDispatch_FIFOOrder(t *testing.T) {
	t.Parallel()

	clk := newClock()
	rec := &recorder{}
	h := newHarness(t, queue.WithClock(clk.Now), queue.WithMaxWorkers(1), queue.WithHandler("ordered", rec))

	names := []string{"first", "second", "third", "fourth"}
	for _, name := range names {
		p := params("alice", "ordered", name)
		p.Payload = json.RawMessage(fmt.Sprintf(`{"name":%q}`, name))
		h.submit(t, p)
		clk.Advance(time.Millisecond)
	}
	h.start(t)

	require.Eventually(t, func() bool { return len(rec.seen()) == len(names) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, names, rec.seen())
}

func TestDispatch_PriorityOrder(t *testing.T) {
	t.Parallel()

	clk := newClock()
	rec := &recorder{}
	h := newHarness(t, queue.WithClock(clk.Now), queue.WithMaxWorkers(1), queue.WithHandler("ordered", rec))

	for _, tc := range []struct {
		name     string
		priority int
	}{
		{"low", 1},
		{"mid", 10},
		{"high", 20},
		{"mid-later", 10},
	} {
		p := params("alice", "ordered", tc.name)
		p.Mode = queue.ModePriority
		p.Priority = tc.priority
		p.Payload = json.RawMessage(fmt.Sprintf(`{"name":%q}`, tc.name))
		h.submit(t, p)
		clk.Advance(time.Millisecond)
	}
	h.start(t)

	require.Eventually(t, func() bool { return len(rec.seen()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "mid-later", "low"}, rec.seen())
}

func TestDispatch_Batch(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BatchSize = 2
	rec := &recorder{}
	h := newHarness(t, queue.WithConfig(cfg), queue.WithHandler("batched", rec))

	ids := make([]string, 0, 5)
	for i := range 5 {
		p := params("alice", "batched", fmt.Sprintf("b%d", i))
		p.Mode = queue.ModeBatch
		p.Payload = json.RawMessage(fmt.Sprintf(`{"name":"item-%d"}`, i))
		res := h.submit(t, p)
		assert.Equal(t, queue.StatusPending, res.Status)
		ids = append(ids, res.RequestID)
	}
	assert.Zero(t, h.transport.Len(), "batch requests wait for the batcher")

	h.start(t)
	for _, id := range ids {
		h.waitStatus(t, id, "alice", queue.StatusCompleted)
	}
	assert.Len(t, rec.seen(), 5)
}

func TestFlushBatch(t *testing.T) {
	t.Parallel()

	clk := newClock()
	cfg := testConfig()
	cfg.BatchSize = 3
	h := newHarness(t, queue.WithConfig(cfg), queue.WithClock(clk.Now))
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for i := range 4 {
		p := params("alice", "batched", fmt.Sprintf("b%d", i))
		p.Mode = queue.ModeBatch
		ids = append(ids, h.submit(t, p).RequestID)
		clk.Advance(time.Millisecond)
	}

	n, err := h.m.FlushBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h.transport.Len())

	for i, id := range ids {
		r, err := h.store.GetRequest(ctx, id)
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, queue.StatusAssigned, r.Status, "oldest items are assigned first")
		} else {
			assert.Equal(t, queue.StatusPending, r.Status)
		}
	}

	// Assigned items still count towards depth and can be cancelled.
	health, err := h.m.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, health.Depth)
	assert.Equal(t, 3, health.Assigned)
	require.NoError(t, h.m.Cancel(ctx, ids[0], "alice"))

	n, err = h.m.FlushBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatch_NoHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	res := h.submit(t, params("alice", "unregistered", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusFailed)
	assert.Equal(t, 1, v.RetryCount, "configuration errors are not retried")
	assert.Contains(t, v.Error, "no handler registered")

	var entries []*queue.DeadLetterEntry
	require.Eventually(t, func() bool {
		var err error
		entries, err = h.m.ListDeadLetterEntries(context.Background(), 10)
		return err == nil && len(entries) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, entries[0].FailureReason, queue.ReasonWorkerUnavailable)
	assert.Equal(t, 1, entries[0].AttemptCount)
}

func TestDispatch_Timeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProcessingTimeout = 20 * time.Millisecond
	h := newHarness(t, queue.WithConfig(cfg))

	var calls atomic.Int32
	h.m.RegisterHandler("slow", queue.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h.start(t)

	res := h.submit(t, params("alice", "slow", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusTimeout)
	assert.Equal(t, cfg.MaxRetryAttempts, v.RetryCount)
	assert.Equal(t, int32(cfg.MaxRetryAttempts), calls.Load(), "timeouts go through the retry path")

	require.Eventually(t, func() bool {
		entries, err := h.m.ListDeadLetterEntries(context.Background(), 10)
		return err == nil && len(entries) == 1 &&
			entries[0].AttemptCount == cfg.MaxRetryAttempts &&
			len(entries[0].ErrorHistory) == cfg.MaxRetryAttempts
	}, waitFor, 5*time.Millisecond)
}

func TestDispatch_HandlerIgnoringContextIsAbandoned(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProcessingTimeout = 20 * time.Millisecond
	cfg.MaxRetryAttempts = 1
	h := newHarness(t, queue.WithConfig(cfg))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.m.RegisterHandler("stuck", queue.HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-block
		return nil, nil
	}))
	h.start(t)

	res := h.submit(t, params("alice", "stuck", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusTimeout)
	assert.Contains(t, v.Error, "processing timeout")
}

func TestDispatch_Panic(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	h := newHarness(t, queue.WithConfig(cfg))
	h.m.RegisterHandler("explosive", queue.HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	}))
	h.start(t)

	res := h.submit(t, params("alice", "explosive", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusFailed)
	assert.Contains(t, v.Error, "kaboom")
	assert.Equal(t, 2, v.RetryCount)
}

func TestDispatch_PermanentError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var calls atomic.Int32
	h.m.RegisterHandler("payments.tip", queue.HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, queue.Permanent(errors.New("card declined"))
	}))
	h.start(t)

	res := h.submit(t, params("alice", "payments.tip", "k1"))
	v := h.waitStatus(t, res.RequestID, "alice", queue.StatusFailed)
	assert.Equal(t, 1, v.RetryCount)
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		entries, err := h.m.ListDeadLetterEntries(context.Background(), 10)
		return err == nil && len(entries) == 1 && entries[0].FailureReason == "PERMANENT_ERROR: card declined"
	}, waitFor, 5*time.Millisecond)
}

func TestStop_InterruptsAndReleases(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	running := make(chan struct{})
	h.m.RegisterHandler("slow", queue.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, h.m.Start(context.Background()))

	res := h.submit(t, params("alice", "slow", "k1"))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.m.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	v, err := h.m.GetStatus(context.Background(), res.RequestID, "alice")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, v.Status, "interrupted work is released, not failed")
	assert.Zero(t, v.RetryCount)
}
