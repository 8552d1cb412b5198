package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// failureWindow is the lookback of Health.RecentFailures.
const failureWindow = time.Hour

// HealthStatus is the derived health of a queue.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is a point-in-time view of queue pressure.
type Health struct {
	CheckedAt         time.Time    `json:"checked_at"`
	Status            HealthStatus `json:"status"`
	Depth             int          `json:"depth"`
	Pending           int          `json:"pending"`
	Assigned          int          `json:"assigned"`
	Processing        int          `json:"processing"`
	ActiveWorkers     int          `json:"active_workers"`
	MaxWorkers        int          `json:"max_workers"`
	RecentFailures    int          `json:"recent_failures"`
	DeadLetterBacklog int          `json:"dead_letter_backlog"`
	MaxQueueDepth     int          `json:"max_queue_depth"`
	Utilization       float64      `json:"utilization"`
}

// Metrics aggregate queue activity over a rolling window.
type Metrics struct {
	Since               time.Time `json:"since"`
	PeriodMinutes       int       `json:"period_minutes"`
	Submitted           int64     `json:"submitted"`
	Completed           int64     `json:"completed"`
	Failed              int64     `json:"failed"`
	Retried             int64     `json:"retried"`
	AverageWaitMs       float64   `json:"average_wait_ms"`
	AverageProcessingMs float64   `json:"average_processing_ms"`
	ThroughputPerMinute float64   `json:"throughput_per_minute"`
	SuccessRate         float64   `json:"success_rate"`
}

// GetHealth samples the store and derives the health status.
func (m *Manager) GetHealth(ctx context.Context) (*Health, error) {
	h := &Health{
		CheckedAt:     m.now(),
		ActiveWorkers: int(m.active.Load()),
		MaxWorkers:    m.cfg.MaxConcurrentWorkers,
		MaxQueueDepth: m.cfg.MaxQueueDepth,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		h.Pending, err = m.store.CountRequests(gctx, StatusPending)
		return err
	})
	g.Go(func() (err error) {
		h.Assigned, err = m.store.CountRequests(gctx, StatusAssigned)
		return err
	})
	g.Go(func() (err error) {
		h.Processing, err = m.store.CountRequests(gctx, StatusProcessing)
		return err
	})
	g.Go(func() (err error) {
		h.RecentFailures, err = m.store.CountFailedSince(gctx, h.CheckedAt.Add(-failureWindow))
		return err
	})
	g.Go(func() (err error) {
		h.DeadLetterBacklog, err = m.store.CountUnreviewedDeadLetters(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Join(ErrSystem, err)
	}

	h.Depth = h.Pending + h.Assigned
	h.Utilization = float64(h.Depth) / float64(m.cfg.MaxQueueDepth)
	h.Status = deriveStatus(m.cfg.Health, h)
	return h, nil
}

func deriveStatus(t HealthThresholds, h *Health) HealthStatus {
	switch {
	case h.Utilization > t.UnhealthyUtilization,
		h.RecentFailures > t.UnhealthyFailures,
		h.DeadLetterBacklog > t.UnhealthyBacklog:
		return HealthUnhealthy
	case h.Utilization > t.DegradedUtilization,
		h.RecentFailures > t.DegradedFailures,
		h.DeadLetterBacklog > t.DegradedBacklog:
		return HealthDegraded
	}
	return HealthHealthy
}

// GetMetrics aggregates the last periodMinutes of activity.
func (m *Manager) GetMetrics(ctx context.Context, periodMinutes int) (*Metrics, error) {
	if periodMinutes < 1 {
		return nil, ErrInvalidRequest
	}

	now := m.now()
	since := now.Add(-time.Duration(periodMinutes) * time.Minute)

	var (
		counters Counters
		stats    WindowStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counters, err = m.store.SumMetrics(gctx, m.cfg.Name, MinuteBucket(since))
		return err
	})
	g.Go(func() (err error) {
		stats, err = m.store.WindowStats(gctx, since)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Join(ErrSystem, err)
	}

	out := &Metrics{
		Since:         since,
		PeriodMinutes: periodMinutes,
		Submitted:     counters.Queued,
		Completed:     counters.Completed,
		Failed:        counters.Failed,
		Retried:       counters.Retried,
	}
	if stats.WaitSamples > 0 {
		out.AverageWaitMs = durationMs(stats.TotalWait) / float64(stats.WaitSamples)
	}
	if stats.ProcessingSamples > 0 {
		out.AverageProcessingMs = durationMs(stats.TotalProcessing) / float64(stats.ProcessingSamples)
	}
	out.ThroughputPerMinute = float64(out.Completed) / float64(periodMinutes)
	if finished := out.Completed + out.Failed; finished > 0 {
		out.SuccessRate = float64(out.Completed) / float64(finished)
	}
	return out, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
