package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/memstore"
	"github.com/dmitrymomot/jobqueue/pkg/queue/storetest"
)

func TestStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) queue.Store {
		return memstore.New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()

	r := storetest.NewRequest(queue.ModeFIFO, 10, 0)
	require.NoError(t, s.CreateRequest(ctx, r))

	// Mutating the caller's copy must not leak into the store.
	r.Status = queue.StatusCompleted
	r.Metadata["source"] = "mutated"

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, "storetest", got.Metadata["source"])

	got.Payload[0] = 'x'
	again, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(again.Payload))
}
