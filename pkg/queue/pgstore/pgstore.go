// Package pgstore is a PostgreSQL queue.Store built on pgx. Every status
// change is a single conditional UPDATE, so several manager instances can
// share one database.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/jobqueue/pkg/db"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultMigrationsTable records applied schema versions.
const DefaultMigrationsTable = "queue_schema_migrations"

// Store implements queue.Store on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	table  string
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used by Migrate.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMigrationsTable overrides DefaultMigrationsTable.
func WithMigrationsTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// New creates a store over pool. The pool is owned by the caller.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		table:  DefaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrations, "migrations", s.table, s.logger)
}

// Ping implements queue.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func statusStrings(statuses []queue.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ queue.Store = (*Store)(nil)
