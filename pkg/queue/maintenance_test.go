package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/storetest"
)

// claim moves a request to PROCESSING as a worker would, without running it.
func claim(t *testing.T, h *harness, id string, at time.Time) {
	t.Helper()

	_, err := h.store.TransitionRequest(context.Background(), id, []queue.Status{queue.StatusPending}, queue.Transition{
		To:                  queue.StatusProcessing,
		ProcessingStartedAt: &at,
	})
	require.NoError(t, err)
}

func TestReap_AbandonedClaimIsRetried(t *testing.T) {
	t.Parallel()

	clk := newClock()
	h := newHarness(t, queue.WithClock(clk.Now))
	ctx := context.Background()

	res := h.submit(t, params("alice", "notify.email", "k1"))
	claim(t, h, res.RequestID, clk.Now())

	// Fresh claims are left alone.
	require.NoError(t, h.m.Reap(ctx))
	r, err := h.store.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, r.Status)

	clk.Advance(2*testConfig().ProcessingTimeout + time.Second)
	require.NoError(t, h.m.Reap(ctx))

	r, err = h.store.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, "worker lost", r.Error)
	assert.Nil(t, r.ProcessingStartedAt)
	assert.Equal(t, clk.Now().Add(h.m.Backoff(1)), r.AvailableAt)
}

func TestReap_AbandonedClaimWithoutRetriesIsDeadLettered(t *testing.T) {
	t.Parallel()

	clk := newClock()
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	h := newHarness(t, queue.WithConfig(cfg), queue.WithClock(clk.Now))
	ctx := context.Background()

	res := h.submit(t, params("alice", "notify.email", "k1"))
	claim(t, h, res.RequestID, clk.Now())
	clk.Advance(time.Hour)
	require.NoError(t, h.m.Reap(ctx))

	v, err := h.m.GetStatus(ctx, res.RequestID, "alice")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, v.Status)

	entries, err := h.m.ListDeadLetterEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "MAX_RETRIES_EXCEEDED: worker lost", entries[0].FailureReason)
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, clk.Now().Add(-time.Hour), entries[0].FirstAttemptAt)
}

func TestReap_StaleAssignedBatchItemIsReleased(t *testing.T) {
	t.Parallel()

	clk := newClock()
	h := newHarness(t, queue.WithClock(clk.Now))
	ctx := context.Background()

	p := params("alice", "batched", "b1")
	p.Mode = queue.ModeBatch
	res := h.submit(t, p)

	n, err := h.m.FlushBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clk.Advance(time.Hour)
	require.NoError(t, h.m.Reap(ctx))

	r, err := h.store.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, r.Status)
	assert.Zero(t, r.RetryCount, "a lost handoff does not spend an attempt")
}

func TestReap_RehandsLostJobs(t *testing.T) {
	t.Parallel()

	clk := newClock()
	h := newHarness(t, queue.WithClock(clk.Now))
	ctx := context.Background()

	h.submit(t, params("alice", "notify.email", "k1"))
	require.Equal(t, 1, h.transport.Len())

	// Drain the transport as if the job was lost.
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := h.transport.Consume(cctx)
	require.NoError(t, err)
	require.Zero(t, h.transport.Len())

	require.NoError(t, h.m.Reap(ctx))
	assert.Zero(t, h.transport.Len(), "recent requests are not re-handed")

	clk.Advance(time.Hour)
	require.NoError(t, h.m.Reap(ctx))
	assert.Equal(t, 1, h.transport.Len())
}

func TestRecoverPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	fifo := storetest.NewRequest(queue.ModeFIFO, 10, 0)
	prio := storetest.NewRequest(queue.ModePriority, 15, time.Second)
	batch := storetest.NewRequest(queue.ModeBatch, 10, 2*time.Second)
	waiting := storetest.NewRequest(queue.ModeBatch, 10, 3*time.Second)
	for _, r := range []*queue.Request{fifo, prio, batch, waiting} {
		require.NoError(t, h.store.CreateRequest(ctx, r))
	}
	_, err := h.store.TransitionRequest(ctx, batch.ID, []queue.Status{queue.StatusPending}, queue.Transition{
		To: queue.StatusAssigned,
	})
	require.NoError(t, err)

	require.NoError(t, h.m.RecoverPending(ctx))
	assert.Equal(t, 3, h.transport.Len(), "pending batch items stay with the batcher")

	// Held jobs are not duplicated.
	require.NoError(t, h.m.RecoverPending(ctx))
	assert.Equal(t, 3, h.transport.Len())
}
