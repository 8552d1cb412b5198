package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/jobqueue/pkg/idempotency"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimit"
)

const (
	// ledgerCapacity bounds the default in-process idempotency ledger.
	ledgerCapacity = 100_000
	// ledgerTTL is how long the default ledger remembers a key. The store's
	// unique index answers for older keys.
	ledgerTTL = 24 * time.Hour
	// consumeBackoff is the pause after a transport error before consuming again.
	consumeBackoff = 500 * time.Millisecond
	// storeWriteTimeout bounds store writes that must finish after shutdown began.
	storeWriteTimeout = 10 * time.Second
)

// Manager is the queue core. It admits requests, hands them to the transport,
// runs them on a bounded worker pool, retries failures and dead-letters
// exhausted requests.
type Manager struct {
	store     Store
	transport Transport
	limiter   RateLimiter
	ledger    Ledger
	registry  *handlerRegistry
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
	owned     []sweeper

	inflight singleflight.Group
	admitMu  sync.Mutex
	active   atomic.Int64

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	hardCancel context.CancelFunc
	group      *errgroup.Group
	cron       *cron.Cron
}

// NewManager creates a queue manager over store. A transport is required.
// Handlers can be registered until Start is called; requests can be submitted
// before Start and are dispatched once workers run.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.transport == nil {
		return nil, ErrTransportRequired
	}
	if err := cfg.cfg.Validate(); err != nil {
		return nil, err
	}
	for _, spec := range []string{cfg.cfg.ReaperSchedule, cfg.cfg.SnapshotSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("queue: invalid cron schedule %q: %w", spec, err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// Defaults run without janitors; the reaper pass sweeps them.
	var owned []sweeper
	if cfg.limiter == nil {
		w := ratelimit.NewWindow(cfg.cfg.RateLimitPerMinute, time.Minute,
			ratelimit.WithCleanupInterval(0),
			ratelimit.WithClock(cfg.now),
		)
		cfg.limiter = w
		owned = append(owned, w)
	}
	if cfg.ledger == nil {
		l := idempotency.NewMemory(
			idempotency.WithCapacity(ledgerCapacity),
			idempotency.WithTTL(ledgerTTL),
			idempotency.WithCleanupInterval(0),
			idempotency.WithClock(cfg.now),
		)
		cfg.ledger = l
		owned = append(owned, l)
	}

	return &Manager{
		store:     store,
		transport: cfg.transport,
		limiter:   cfg.limiter,
		ledger:    cfg.ledger,
		registry:  cfg.registry,
		logger:    cfg.logger,
		now:       cfg.now,
		cfg:       cfg.cfg,
		owned:     owned,
	}, nil
}

// sweeper is implemented by the in-process limiter and ledger.
type sweeper interface {
	Sweep()
}

// RegisterHandler registers h for requests of typ, replacing any previous one.
func (m *Manager) RegisterHandler(typ string, h JobHandler) {
	m.registry.register(typ, h)
}

// Config returns the effective tuning parameters.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start runs restart recovery, the worker pool, the batcher and the
// maintenance scheduler. The context is used for startup only.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	if st, ok := m.transport.(StartableTransport); ok {
		if err := st.Start(ctx); err != nil {
			return fmt.Errorf("queue: start transport: %w", err)
		}
	}

	if !isDurable(m.transport) {
		if err := m.recoverPending(ctx); err != nil {
			if st, ok := m.transport.(StartableTransport); ok {
				_ = st.Stop(ctx)
			}
			return fmt.Errorf("queue: restart recovery: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// Handler contexts outlive runCtx so in-flight work can finish on Stop.
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(runCtx)
	for i := range m.cfg.MaxConcurrentWorkers {
		g.Go(func() error {
			m.work(gctx, hardCtx, i)
			return nil
		})
	}
	g.Go(func() error {
		m.runBatcher(gctx)
		return nil
	})

	c, err := m.newScheduler(gctx)
	if err != nil {
		cancel()
		hardCancel()
		_ = g.Wait()
		return err
	}
	c.Start()

	m.cancel = cancel
	m.hardCancel = hardCancel
	m.group = g
	m.cron = c
	m.started = true

	m.logger.Info("queue manager started",
		slog.String("queue", m.cfg.Name),
		slog.Int("workers", m.cfg.MaxConcurrentWorkers),
		slog.Any("handlers", m.registry.types()),
	)
	return nil
}

// Stop stops consuming new jobs and waits for in-flight handlers. When ctx
// expires first, handler contexts are cancelled and interrupted requests are
// released back to PENDING. The transport is stopped but not closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}

	m.cancel()
	cronCtx := m.cron.Stop()

	done := make(chan error, 1)
	go func() {
		err := m.group.Wait()
		<-cronCtx.Done()
		done <- err
	}()

	var errs []error
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		m.hardCancel()
		if err := <-done; err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, ctx.Err())
	}
	m.hardCancel()

	if st, ok := m.transport.(StartableTransport); ok {
		if err := st.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue: stop transport: %w", err))
		}
	}

	m.started = false
	m.logger.Info("queue manager stopped", slog.String("queue", m.cfg.Name))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Shutdown returns a shutdown function for the queue manager.
func (m *Manager) Shutdown() func(context.Context) error {
	return func(ctx context.Context) error {
		return m.Stop(ctx)
	}
}

// StartFunc returns a startup function for the queue manager.
func (m *Manager) StartFunc() func(context.Context) error {
	return func(ctx context.Context) error {
		return m.Start(ctx)
	}
}

// isStarted reports whether workers are running.
func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// detached returns a context for store writes that must complete even when
// the caller's context is already cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// record adds delta to the current metrics bucket. Failures are logged only.
func (m *Manager) record(ctx context.Context, delta Counters) {
	if err := m.store.IncrementMetrics(ctx, MinuteBucket(m.now()), m.cfg.Name, delta); err != nil {
		m.logger.WarnContext(ctx, "failed to record metrics",
			slog.String("queue", m.cfg.Name),
			slog.Any("error", err),
		)
	}
}
