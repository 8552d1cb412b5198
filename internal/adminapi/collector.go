package adminapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const collectTimeout = 10 * time.Second

var healthStatuses = []queue.HealthStatus{queue.HealthHealthy, queue.HealthDegraded, queue.HealthUnhealthy}

// collector samples queue health on every scrape.
type collector struct {
	queue Queue
	name  string

	requests       *prometheus.Desc
	activeWorkers  *prometheus.Desc
	maxWorkers     *prometheus.Desc
	utilization    *prometheus.Desc
	recentFailures *prometheus.Desc
	deadLetters    *prometheus.Desc
	status         *prometheus.Desc
}

func newCollector(q Queue, name string) *collector {
	labels := []string{"queue"}
	return &collector{
		queue: q,
		name:  name,
		requests: prometheus.NewDesc("queue_requests",
			"Number of requests by non-terminal status.",
			[]string{"queue", "status"}, nil),
		activeWorkers: prometheus.NewDesc("queue_active_workers",
			"Workers currently executing a handler.", labels, nil),
		maxWorkers: prometheus.NewDesc("queue_max_workers",
			"Configured worker pool size.", labels, nil),
		utilization: prometheus.NewDesc("queue_utilization_ratio",
			"Waiting requests over the maximum queue depth.", labels, nil),
		recentFailures: prometheus.NewDesc("queue_recent_failures",
			"Requests failed during the last hour.", labels, nil),
		deadLetters: prometheus.NewDesc("queue_dead_letter_backlog",
			"Unreviewed dead-letter entries.", labels, nil),
		status: prometheus.NewDesc("queue_health_status",
			"1 for the current derived health status, 0 otherwise.",
			[]string{"queue", "status"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.activeWorkers
	ch <- c.maxWorkers
	ch <- c.utilization
	ch <- c.recentFailures
	ch <- c.deadLetters
	ch <- c.status
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	h, err := c.queue.GetHealth(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.requests, err)
		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{c.name}, labels...)...)
	}
	gauge(c.requests, float64(h.Pending), string(queue.StatusPending))
	gauge(c.requests, float64(h.Assigned), string(queue.StatusAssigned))
	gauge(c.requests, float64(h.Processing), string(queue.StatusProcessing))
	gauge(c.activeWorkers, float64(h.ActiveWorkers))
	gauge(c.maxWorkers, float64(h.MaxWorkers))
	gauge(c.utilization, h.Utilization)
	gauge(c.recentFailures, float64(h.RecentFailures))
	gauge(c.deadLetters, float64(h.DeadLetterBacklog))
	for _, s := range healthStatuses {
		v := 0.0
		if s == h.Status {
			v = 1
		}
		gauge(c.status, v, string(s))
	}
}
