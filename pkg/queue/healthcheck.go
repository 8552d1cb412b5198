package queue

import (
	"context"
	"errors"
)

var (
	errManagerNil        = errors.New("manager is nil")
	errManagerNotStarted = errors.New("manager not started")
)

// Healthcheck returns a health check function for the queue manager.
// The check verifies that the manager is started and the store is reachable.
// Compatible with health.CheckFunc.
//
// Example:
//
//	r.Get("/readyz", health.ReadinessHandler(health.Checks{
//	    "queue": queue.Healthcheck(manager),
//	}))
func Healthcheck(m *Manager) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if m == nil {
			return errors.Join(ErrHealthcheckFailed, errManagerNil)
		}
		if !m.isStarted() {
			return errors.Join(ErrHealthcheckFailed, errManagerNotStarted)
		}
		if err := m.store.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
