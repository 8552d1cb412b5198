// Package storetest is a behavioural test suite shared by queue.Store
// implementations.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) queue.Store

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// NewRequest builds a PENDING request created at base+offset.
func NewRequest(mode queue.Mode, priority int, offset time.Duration) *queue.Request {
	id := uuid.Must(uuid.NewV7()).String()
	at := base.Add(offset)
	return &queue.Request{
		ID:             id,
		CallerID:       "caller-1",
		Type:           "test.echo",
		IdempotencyKey: "key-" + id,
		Mode:           mode,
		Priority:       priority,
		Status:         queue.StatusPending,
		Payload:        json.RawMessage(`{"n":1}`),
		Metadata:       map[string]string{"source": "storetest"},
		CreatedAt:      at,
		AvailableAt:    at,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("requests", func(t *testing.T) { testRequests(t, newStore) })
	t.Run("transitions", func(t *testing.T) { testTransitions(t, newStore) })
	t.Run("ordering", func(t *testing.T) { testOrdering(t, newStore) })
	t.Run("stale", func(t *testing.T) { testStale(t, newStore) })
	t.Run("window stats", func(t *testing.T) { testWindowStats(t, newStore) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, newStore) })
	t.Run("metrics", func(t *testing.T) { testMetrics(t, newStore) })
}

func testRequests(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := NewRequest(queue.ModeFIFO, 10, 0)
		require.NoError(t, s.CreateRequest(ctx, r))

		got, err := s.GetRequest(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.CallerID, got.CallerID)
		assert.Equal(t, r.Mode, got.Mode)
		assert.Equal(t, queue.StatusPending, got.Status)
		assert.JSONEq(t, string(r.Payload), string(got.Payload))
		assert.Equal(t, r.Metadata, got.Metadata)
		assert.True(t, r.CreatedAt.Equal(got.CreatedAt))

		byKey, err := s.GetRequestByIdempotencyKey(ctx, r.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, r.ID, byKey.ID)
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetRequest(ctx, uuid.NewString())
		require.ErrorIs(t, err, queue.ErrNotFound)
		_, err = s.GetRequestByIdempotencyKey(ctx, "missing")
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("duplicate idempotency key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := NewRequest(queue.ModeFIFO, 10, 0)
		require.NoError(t, s.CreateRequest(ctx, r))

		dup := NewRequest(queue.ModeFIFO, 10, time.Second)
		dup.IdempotencyKey = r.IdempotencyKey
		require.ErrorIs(t, s.CreateRequest(ctx, dup), queue.ErrDuplicateKey)

		_, err := s.GetRequest(ctx, dup.ID)
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("concurrent creates with one key admit one", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var created atomic.Int32
		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := NewRequest(queue.ModeFIFO, 10, time.Duration(i)*time.Millisecond)
				r.IdempotencyKey = "shared"
				if err := s.CreateRequest(ctx, r); err == nil {
					created.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
		n, err := s.CountRequests(ctx, queue.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("count by status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := range 3 {
			require.NoError(t, s.CreateRequest(ctx, NewRequest(queue.ModeFIFO, 10, time.Duration(i)*time.Second)))
		}
		assigned := NewRequest(queue.ModeBatch, 10, 0)
		assigned.Status = queue.StatusAssigned
		require.NoError(t, s.CreateRequest(ctx, assigned))

		n, err := s.CountRequests(ctx, queue.StatusPending, queue.StatusAssigned)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		n, err = s.CountRequests(ctx, queue.StatusProcessing)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func testTransitions(t *testing.T, newStore Factory) {
	t.Run("compare and set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := NewRequest(queue.ModeFIFO, 10, 0)
		require.NoError(t, s.CreateRequest(ctx, r))

		started := base.Add(time.Minute)
		got, err := s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusPending, queue.StatusAssigned}, queue.Transition{
			To:                  queue.StatusProcessing,
			ProcessingStartedAt: &started,
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StatusProcessing, got.Status)
		require.NotNil(t, got.ProcessingStartedAt)
		assert.True(t, started.Equal(*got.ProcessingStartedAt))
		require.NotNil(t, got.FirstAttemptAt)
		assert.True(t, started.Equal(*got.FirstAttemptAt))

		_, err = s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusPending}, queue.Transition{To: queue.StatusCancelled})
		require.ErrorIs(t, err, queue.ErrStatusConflict)

		_, err = s.TransitionRequest(ctx, uuid.NewString(), []queue.Status{queue.StatusPending}, queue.Transition{To: queue.StatusCancelled})
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("retry appends history and keeps first attempt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := NewRequest(queue.ModePriority, 15, 0)
		require.NoError(t, s.CreateRequest(ctx, r))

		first := base.Add(time.Second)
		_, err := s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusPending}, queue.Transition{
			To: queue.StatusProcessing, ProcessingStartedAt: &first,
		})
		require.NoError(t, err)

		for i := 1; i <= 2; i++ {
			retries := i
			msg := fmt.Sprintf("boom %d", i)
			avail := base.Add(time.Duration(i) * time.Minute)
			got, err := s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusProcessing}, queue.Transition{
				To:                       queue.StatusPending,
				AvailableAt:              &avail,
				RetryCount:               &retries,
				Error:                    &msg,
				AppendError:              msg,
				ClearProcessingStartedAt: true,
			})
			require.NoError(t, err)
			assert.Equal(t, i, got.RetryCount)
			assert.Equal(t, msg, got.Error)
			assert.Nil(t, got.ProcessingStartedAt)
			assert.True(t, avail.Equal(got.AvailableAt))

			again := avail.Add(time.Second)
			_, err = s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusPending}, queue.Transition{
				To: queue.StatusProcessing, ProcessingStartedAt: &again,
			})
			require.NoError(t, err)
		}

		done := base.Add(time.Hour)
		result := json.RawMessage(`{"ok":true}`)
		empty := ""
		got, err := s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusProcessing}, queue.Transition{
			To: queue.StatusCompleted, CompletedAt: &done, Result: result, Error: &empty,
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, got.Status)
		assert.Equal(t, []string{"boom 1", "boom 2"}, got.ErrorHistory)
		assert.Empty(t, got.Error)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
		require.NotNil(t, got.FirstAttemptAt)
		assert.True(t, first.Equal(*got.FirstAttemptAt))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))
	})
}

func testOrdering(t *testing.T, newStore Factory) {
	t.Run("fifo by arrival", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := NewRequest(queue.ModeFIFO, 1, 0)
		b := NewRequest(queue.ModeFIFO, 20, time.Second)
		c := NewRequest(queue.ModeFIFO, 5, 2*time.Second)
		for _, r := range []*queue.Request{c, a, b} {
			require.NoError(t, s.CreateRequest(ctx, r))
		}

		due, err := s.ListDue(ctx, queue.ModeFIFO, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(due))

		pos, err := s.CountAhead(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)
	})

	t.Run("priority then arrival", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		low := NewRequest(queue.ModePriority, 1, 0)
		mid := NewRequest(queue.ModePriority, 10, time.Second)
		high := NewRequest(queue.ModePriority, 20, 2*time.Second)
		mid2 := NewRequest(queue.ModePriority, 10, 3*time.Second)
		for _, r := range []*queue.Request{low, mid, high, mid2} {
			require.NoError(t, s.CreateRequest(ctx, r))
		}

		due, err := s.ListDue(ctx, queue.ModePriority, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{high.ID, mid.ID, mid2.ID, low.ID}, ids(due))

		pos, err := s.CountAhead(ctx, mid2)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)

		pos, err = s.CountAhead(ctx, high)
		require.NoError(t, err)
		assert.Zero(t, pos)
	})

	t.Run("due honours availability, mode and limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := base.Add(time.Minute)
		ready := NewRequest(queue.ModeBatch, 10, 0)
		ready2 := NewRequest(queue.ModeBatch, 10, time.Second)
		later := NewRequest(queue.ModeBatch, 10, 2*time.Second)
		later.AvailableAt = now.Add(time.Minute)
		other := NewRequest(queue.ModeFIFO, 10, 0)
		for _, r := range []*queue.Request{ready, ready2, later, other} {
			require.NoError(t, s.CreateRequest(ctx, r))
		}

		due, err := s.ListDue(ctx, queue.ModeBatch, now, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{ready.ID, ready2.ID}, ids(due))

		due, err = s.ListDue(ctx, queue.ModeBatch, now, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{ready.ID}, ids(due))
	})
}

func testStale(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	old := NewRequest(queue.ModeFIFO, 10, 0)
	fresh := NewRequest(queue.ModeFIFO, 10, time.Second)
	assigned := NewRequest(queue.ModeBatch, 10, 0)
	for _, r := range []*queue.Request{old, fresh, assigned} {
		require.NoError(t, s.CreateRequest(ctx, r))
	}

	for _, c := range []struct {
		r  *queue.Request
		at time.Time
	}{
		{old, base.Add(time.Minute)},
		{fresh, base.Add(10 * time.Minute)},
	} {
		_, err := s.TransitionRequest(ctx, c.r.ID, []queue.Status{queue.StatusPending}, queue.Transition{
			To: queue.StatusProcessing, ProcessingStartedAt: &c.at,
		})
		require.NoError(t, err)
	}
	assignedAt := base.Add(2 * time.Minute)
	_, err := s.TransitionRequest(ctx, assigned.ID, []queue.Status{queue.StatusPending}, queue.Transition{
		To: queue.StatusAssigned, AvailableAt: &assignedAt,
	})
	require.NoError(t, err)

	cutoff := base.Add(5 * time.Minute)
	stale, err := s.ListStale(ctx, queue.StatusProcessing, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids(stale))

	stale, err = s.ListStale(ctx, queue.StatusAssigned, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{assigned.ID}, ids(stale))
}

func testWindowStats(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	done := NewRequest(queue.ModeFIFO, 10, 0)
	failed := NewRequest(queue.ModeFIFO, 10, 0)
	waiting := NewRequest(queue.ModeFIFO, 10, 0)
	for _, r := range []*queue.Request{done, failed, waiting} {
		require.NoError(t, s.CreateRequest(ctx, r))
	}

	start := base.Add(2 * time.Second)
	for _, r := range []*queue.Request{done, failed} {
		_, err := s.TransitionRequest(ctx, r.ID, []queue.Status{queue.StatusPending}, queue.Transition{
			To: queue.StatusProcessing, ProcessingStartedAt: &start,
		})
		require.NoError(t, err)
	}
	end := start.Add(3 * time.Second)
	_, err := s.TransitionRequest(ctx, done.ID, []queue.Status{queue.StatusProcessing}, queue.Transition{
		To: queue.StatusCompleted, CompletedAt: &end,
	})
	require.NoError(t, err)
	_, err = s.TransitionRequest(ctx, failed.ID, []queue.Status{queue.StatusProcessing}, queue.Transition{
		To: queue.StatusTimeout, FailedAt: &end,
	})
	require.NoError(t, err)

	ws, err := s.WindowStats(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ws.Submitted)
	assert.Equal(t, int64(1), ws.Completed)
	assert.Equal(t, int64(1), ws.Failed)
	assert.Equal(t, int64(2), ws.WaitSamples)
	assert.Equal(t, 4*time.Second, ws.TotalWait)
	assert.Equal(t, int64(1), ws.ProcessingSamples)
	assert.Equal(t, 3*time.Second, ws.TotalProcessing)

	n, err := s.CountFailedSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountFailedSince(ctx, end)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeadLetters(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	entry := func(offset time.Duration) *queue.DeadLetterEntry {
		at := base.Add(offset)
		return &queue.DeadLetterEntry{
			ID:                uuid.Must(uuid.NewV7()).String(),
			OriginalRequestID: uuid.NewString(),
			CallerID:          "caller-1",
			Type:              "test.echo",
			OriginalPayload:   json.RawMessage(`{"n":1}`),
			FailureReason:     "MAX_RETRIES_EXCEEDED: boom",
			AttemptCount:      3,
			ErrorHistory:      []string{"boom", "boom", "boom"},
			FirstAttemptAt:    at.Add(-time.Minute),
			LastAttemptAt:     at,
			CreatedAt:         at,
		}
	}

	older := entry(0)
	newer := entry(time.Minute)
	require.NoError(t, s.CreateDeadLetter(ctx, older))
	require.NoError(t, s.CreateDeadLetter(ctx, newer))

	// A second entry for the same request is ignored.
	again := entry(2 * time.Minute)
	again.OriginalRequestID = older.OriginalRequestID
	require.NoError(t, s.CreateDeadLetter(ctx, again))

	all, err := s.ListDeadLetters(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID, all[0].ID)
	assert.Equal(t, older.ID, all[1].ID)
	assert.Equal(t, []string{"boom", "boom", "boom"}, all[1].ErrorHistory)
	assert.Equal(t, 3, all[1].AttemptCount)

	n, err := s.CountUnreviewedDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	at := base.Add(time.Hour)
	reviewed, err := s.MarkDeadLetterReviewed(ctx, older.ID, "ops-1", "refunded", at)
	require.NoError(t, err)
	assert.True(t, reviewed.Reviewed)
	assert.Equal(t, "ops-1", reviewed.ReviewedBy)
	assert.Equal(t, "refunded", reviewed.Resolution)
	require.NotNil(t, reviewed.ReviewedAt)

	_, err = s.MarkDeadLetterReviewed(ctx, older.ID, "ops-2", "again", at)
	require.ErrorIs(t, err, queue.ErrAlreadyReviewed)
	_, err = s.MarkDeadLetterReviewed(ctx, uuid.NewString(), "ops-1", "x", at)
	require.ErrorIs(t, err, queue.ErrNotFound)

	unreviewed := false
	open, err := s.ListDeadLetters(ctx, 10, &unreviewed)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, newer.ID, open[0].ID)

	n, err = s.CountUnreviewedDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	limited, err := s.ListDeadLetters(ctx, 1, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testMetrics(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	m0 := queue.MinuteBucket(base)
	m1 := m0.Add(time.Minute)
	require.NoError(t, s.IncrementMetrics(ctx, m0, "default", queue.Counters{Queued: 2}))
	require.NoError(t, s.IncrementMetrics(ctx, m0.Add(30*time.Second), "default", queue.Counters{Completed: 1}))
	require.NoError(t, s.IncrementMetrics(ctx, m1, "default", queue.Counters{Queued: 1, Failed: 1, Retried: 2}))
	require.NoError(t, s.IncrementMetrics(ctx, m1, "other", queue.Counters{Queued: 100}))

	sum, err := s.SumMetrics(ctx, "default", m0)
	require.NoError(t, err)
	assert.Equal(t, queue.Counters{Queued: 3, Completed: 1, Failed: 1, Retried: 2}, sum)

	sum, err = s.SumMetrics(ctx, "default", m1)
	require.NoError(t, err)
	assert.Equal(t, queue.Counters{Queued: 1, Failed: 1, Retried: 2}, sum)
}

func ids(rs []*queue.Request) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
