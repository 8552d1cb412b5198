// Package rivertransport is a durable queue.Transport on River. Jobs live in
// PostgreSQL next to the queue store and survive restarts, so the manager
// skips restart recovery for it.
//
// River jobs are wake-ups: a worker receiving one claims the head of the
// job's mode from the store, which keeps FIFO and the full 1..20 priority
// order. River's own four priority levels only bias which wake-up is
// fetched first. Inserts are unique per request and availability, so a
// re-handed request does not gain a second pending job.
package rivertransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const (
	defaultMaxWorkers = 10
	defaultNackDelay  = time.Second
)

// ErrPoolRequired is returned when New is called without a pool.
var ErrPoolRequired = errors.New("rivertransport: pool is required")

// River queue per mode.
var queueNames = map[queue.Mode]string{
	queue.ModeFIFO:     "queue_fifo",
	queue.ModePriority: "queue_priority",
	queue.ModeBatch:    "queue_batch",
}

type config struct {
	logger     *slog.Logger
	maxWorkers int
	nackDelay  time.Duration
}

// Option configures the transport.
type Option func(*config)

// WithLogger sets the logger passed to River.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxWorkers bounds the River workers per mode queue. Keep it at the
// manager's worker count; extra River workers only wait for a consumer.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithNackDelay sets how long a nacked job is snoozed. Default: 1 second.
func WithNackDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.nackDelay = d
		}
	}
}

// Transport hands River jobs to queue consumers. A River worker blocks
// until a consumer acknowledges its delivery.
type Transport struct {
	client     *river.Client[pgx.Tx]
	deliveries chan *delivery
	logger     *slog.Logger
	nackDelay  time.Duration

	mu       sync.Mutex
	stopping chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates the transport. The River client is created immediately so jobs
// can be enqueued before Start.
func New(pool *pgxpool.Pool, opts ...Option) (*Transport, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	cfg := &config{
		maxWorkers: defaultMaxWorkers,
		nackDelay:  defaultNackDelay,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &Transport{
		deliveries: make(chan *delivery),
		logger:     cfg.logger,
		nackDelay:  cfg.nackDelay,
		stopping:   make(chan struct{}),
		closed:     make(chan struct{}),
	}

	queues := make(map[string]river.QueueConfig, len(queueNames))
	for _, name := range queueNames {
		queues[name] = river.QueueConfig{MaxWorkers: cfg.maxWorkers}
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &dispatchWorker{t: t})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  queues,
		Workers: workers,
		Logger:  cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("rivertransport: create client: %w", err)
	}
	t.client = client
	return t, nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("rivertransport: create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("rivertransport: migrate: %w", err)
	}
	return nil
}

// Enqueue implements queue.Transport.
func (t *Transport) Enqueue(ctx context.Context, job queue.Job) error {
	select {
	case <-t.closed:
		return queue.ErrTransportClosed
	default:
	}

	args, opts := insertParams(job)
	res, err := t.client.Insert(ctx, args, opts)
	if err != nil {
		return fmt.Errorf("rivertransport: enqueue: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		t.logger.DebugContext(ctx, "job already enqueued", slog.String("request_id", job.RequestID))
	}
	return nil
}

// Consume implements queue.Transport.
func (t *Transport) Consume(ctx context.Context) (queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, queue.ErrTransportClosed
	case d := <-t.deliveries:
		return d, nil
	}
}

// Start starts River's fetchers and workers.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	select {
	case <-t.stopping:
		t.stopping = make(chan struct{})
	default:
	}
	t.mu.Unlock()

	if err := t.client.Start(ctx); err != nil {
		return fmt.Errorf("rivertransport: start client: %w", err)
	}
	return nil
}

// Stop releases waiting River workers, snoozing their jobs, and stops the
// client.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	select {
	case <-t.stopping:
	default:
		close(t.stopping)
	}
	t.mu.Unlock()

	if err := t.client.Stop(ctx); err != nil {
		return fmt.Errorf("rivertransport: stop client: %w", err)
	}
	return nil
}

// Durable reports true.
func (t *Transport) Durable() bool { return true }

// Close wakes consumers with queue.ErrTransportClosed. It does not stop River.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) stopCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// riverPriority maps 1..20 (higher first) onto River's 1..4 (lower first).
// It is coarse; dispatch order comes from the store.
func riverPriority(p int) int {
	p = min(max(p, queue.MinPriority), queue.MaxPriority)
	return min(max(4-(p-1)*4/queue.MaxPriority, 1), 4)
}

func insertParams(job queue.Job) (dispatchArgs, *river.InsertOpts) {
	name, ok := queueNames[job.Mode]
	if !ok {
		name = queueNames[queue.ModeFIFO]
	}

	args := dispatchArgs{
		RequestID: job.RequestID,
		Mode:      job.Mode,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
		// Postgres keeps microseconds; truncating makes a request reloaded
		// from the store produce the same unique key.
		NotBefore: job.NotBefore.UTC().Truncate(time.Microsecond),
	}
	opts := &river.InsertOpts{
		Queue:       name,
		Priority:    riverPriority(job.Priority),
		ScheduledAt: job.NotBefore,
		// Retries are scheduled by the queue manager, never by River.
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
	return args, opts
}

var (
	_ queue.DurableTransport   = (*Transport)(nil)
	_ queue.StartableTransport = (*Transport)(nil)
)
