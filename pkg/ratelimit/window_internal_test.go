package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindow_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(2, time.Minute, WithCleanupInterval(0), WithClock(func() time.Time { return now }))
	defer w.Close()

	ctx := context.Background()
	_, _ = w.Allow(ctx, "idle")
	now = now.Add(30 * time.Second)
	_, _ = w.Allow(ctx, "active")
	_, _ = w.Allow(ctx, "active")
	require.Equal(t, 2, w.Len())

	now = now.Add(45 * time.Second)
	w.Sweep()

	require.Equal(t, 1, w.Len())
	_, ok := w.callers["active"]
	require.True(t, ok)
}
