package queue

import (
	"context"
	"time"
)

// Test hooks for the external test package.

func (m *Manager) Reap(ctx context.Context) error { return m.reap(ctx) }

func (m *Manager) FlushBatch(ctx context.Context) (int, error) { return m.flushBatch(ctx) }

func (m *Manager) Backoff(retry int) time.Duration { return m.backoff(retry) }

func (m *Manager) RecoverPending(ctx context.Context) error { return m.recoverPending(ctx) }

// Tracked reports the entries held by the manager's own limiter and ledger.
func (m *Manager) Tracked() []int {
	out := make([]int, 0, len(m.owned))
	for _, s := range m.owned {
		out = append(out, s.(interface{ Len() int }).Len())
	}
	return out
}

func DeriveStatus(t HealthThresholds, h *Health) HealthStatus { return deriveStatus(t, h) }
