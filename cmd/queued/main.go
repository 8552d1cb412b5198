// Command queued runs the job queue: workers, batcher, maintenance and the
// admin HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrymomot/jobqueue/internal/adminapi"
	"github.com/dmitrymomot/jobqueue/internal/config"
	"github.com/dmitrymomot/jobqueue/internal/server"
	"github.com/dmitrymomot/jobqueue/internal/tasks"
	"github.com/dmitrymomot/jobqueue/pkg/db"
	"github.com/dmitrymomot/jobqueue/pkg/health"
	"github.com/dmitrymomot/jobqueue/pkg/idempotency"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/inproc"
	"github.com/dmitrymomot/jobqueue/pkg/queue/memstore"
	"github.com/dmitrymomot/jobqueue/pkg/queue/pgstore"
	"github.com/dmitrymomot/jobqueue/pkg/queue/rivertransport"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimit"
	"github.com/dmitrymomot/jobqueue/pkg/redis"
)

func main() {
	path := flag.String("config", os.Getenv("QUEUED_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "queued:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, logger.QueueExtractors()...)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		logger.Flush(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   queue.Store
		migrate []func(context.Context) error
		closers []func(context.Context) error
	)
	checks := health.Checks{}
	qopts := []queue.Option{queue.WithConfig(cfg.Queue), queue.WithLogger(log)}

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		checks["postgres"] = db.Healthcheck(pool)
		closers = append(closers, db.Shutdown(pool))

		pgs := pgstore.New(pool,
			pgstore.WithLogger(log),
			pgstore.WithMigrationsTable(cfg.Database.MigrationsTable),
		)
		store = pgs
		migrate = append(migrate, pgs.Migrate)

		if cfg.Transport == config.TransportRiver {
			migrate = append(migrate, func(ctx context.Context) error {
				return rivertransport.Migrate(ctx, pool)
			})
			t, err := rivertransport.New(pool,
				rivertransport.WithLogger(log),
				rivertransport.WithMaxWorkers(cfg.Queue.MaxConcurrentWorkers),
			)
			if err != nil {
				return err
			}
			qopts = append(qopts, queue.WithTransport(t))
			closers = append([]func(context.Context) error{closeFunc(t)}, closers...)
		}
	default:
		log.Warn("using the in-memory store, requests are lost on restart")
		store = memstore.New()
	}

	if cfg.Transport == config.TransportInproc {
		t := inproc.New()
		qopts = append(qopts, queue.WithTransport(t))
		closers = append([]func(context.Context) error{closeFunc(t)}, closers...)
	}

	if cfg.Redis.Enabled() {
		client, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		checks["redis"] = redis.Healthcheck(client)
		closers = append(closers, redis.Shutdown(client))

		qopts = append(qopts,
			queue.WithRateLimiter(ratelimit.NewRedis(client, cfg.Queue.RateLimitPerMinute)),
			queue.WithLedger(idempotency.NewRedis(client, idempotency.WithTTL(cfg.IdempotencyTTL))),
		)
	} else {
		limiter := newMemoryLimiter(cfg)
		ledger := idempotency.NewMemory(
			idempotency.WithTTL(cfg.IdempotencyTTL),
			idempotency.WithCapacity(cfg.Queue.MaxQueueDepth),
		)
		qopts = append(qopts, queue.WithRateLimiter(limiter), queue.WithLedger(ledger))
		closers = append(closers, closeFunc(limiter), closeFunc(ledger))
	}

	qopts = append(qopts, tasks.Options(log)...)
	manager, err := queue.NewManager(store, qopts...)
	if err != nil {
		return err
	}

	var opts []server.Option
	for _, fn := range migrate {
		opts = append(opts, server.WithStartupHook(fn))
	}
	opts = append(opts,
		server.WithAddress(cfg.HTTP.Addr),
		server.WithLogger(log),
		server.WithShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		server.WithStartupHook(manager.StartFunc()),
		server.WithShutdownHook(manager.Shutdown()),
	)
	for _, fn := range closers {
		opts = append(opts, server.WithShutdownHook(fn))
	}

	handler := adminapi.New(manager,
		adminapi.WithToken(cfg.HTTP.AdminToken),
		adminapi.WithLogger(log),
		adminapi.WithChecks(checks),
		adminapi.WithQueueName(cfg.Queue.Name),
	)

	log.Info("queued starting",
		slog.String("store", cfg.Store),
		slog.String("transport", cfg.Transport),
		slog.Bool("redis", cfg.Redis.Enabled()),
	)
	return server.Run(ctx, handler, opts...)
}

// rateLimiter is a queue.RateLimiter that owns a janitor goroutine.
type rateLimiter interface {
	queue.RateLimiter
	io.Closer
}

func newMemoryLimiter(cfg *config.Config) rateLimiter {
	if cfg.Limiter == config.LimiterBucket {
		return ratelimit.NewBucket(cfg.Queue.RateLimitPerMinute, time.Minute)
	}
	return ratelimit.NewWindow(cfg.Queue.RateLimitPerMinute, time.Minute)
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}
