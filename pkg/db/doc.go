// Package db opens the PostgreSQL pool shared by the queue store and the
// River transport, and applies goose migrations.
//
// It wraps [github.com/jackc/pgx/v5/pgxpool] with startup retries and
// environment based configuration:
//
//	DATABASE_CONN_URL           - PostgreSQL connection URL (required by the postgres store)
//	DATABASE_MAX_OPEN_CONNS     - Maximum open connections (default: 20)
//	DATABASE_MIN_CONNS          - Minimum idle connections (default: 2)
//	DATABASE_HEALTHCHECK_PERIOD - Health check interval (default: 1m)
//	DATABASE_MAX_CONN_IDLE_TIME - Maximum connection idle time (default: 10m)
//	DATABASE_MAX_CONN_LIFETIME  - Maximum connection lifetime (default: 30m)
//	DATABASE_RETRY_ATTEMPTS     - Connection retry attempts (default: 3)
//	DATABASE_RETRY_INTERVAL     - Base retry interval (default: 5s)
//	DATABASE_MIGRATIONS_TABLE   - goose version table (default: queue_schema_migrations)
//
// # Usage
//
//	pool, err := db.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	err = db.Migrate(ctx, pool, migrations, "migrations", cfg.MigrationsTable, logger)
//
// [Healthcheck] adapts the pool to readiness probes.
//
// # Error Handling
//
//   - [ErrFailedToParseDBConfig] - Invalid connection string format
//   - [ErrFailedToOpenDBConnection] - Connection failed after all retries
//   - [ErrHealthcheckFailed] - Database ping failed
//   - [ErrSetDialect] - Migration dialect configuration error
//   - [ErrApplyMigrations] - Migration execution failed
//
// Errors are wrapped using [errors.Join] to preserve the original error context.
package db
