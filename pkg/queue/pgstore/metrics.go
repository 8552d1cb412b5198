package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// IncrementMetrics implements queue.MetricsStore.
func (s *Store) IncrementMetrics(ctx context.Context, bucket time.Time, name string, delta queue.Counters) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_metrics (bucket, queue, queued, completed, failed, retried)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bucket, queue) DO UPDATE SET
			queued    = queue_metrics.queued + EXCLUDED.queued,
			completed = queue_metrics.completed + EXCLUDED.completed,
			failed    = queue_metrics.failed + EXCLUDED.failed,
			retried   = queue_metrics.retried + EXCLUDED.retried`,
		queue.MinuteBucket(bucket), name,
		delta.Queued, delta.Completed, delta.Failed, delta.Retried,
	)
	if err != nil {
		return fmt.Errorf("pgstore: increment metrics: %w", err)
	}
	return nil
}

// SumMetrics implements queue.MetricsStore.
func (s *Store) SumMetrics(ctx context.Context, name string, since time.Time) (queue.Counters, error) {
	var c queue.Counters
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(queued), 0)::bigint,
			COALESCE(SUM(completed), 0)::bigint,
			COALESCE(SUM(failed), 0)::bigint,
			COALESCE(SUM(retried), 0)::bigint
		FROM queue_metrics
		WHERE queue = $1 AND bucket >= $2`,
		name, since,
	).Scan(&c.Queued, &c.Completed, &c.Failed, &c.Retried)
	if err != nil {
		return c, fmt.Errorf("pgstore: sum metrics: %w", err)
	}
	return c, nil
}
