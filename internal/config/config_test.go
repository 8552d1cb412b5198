package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := load("", map[string]string{"QUEUE_STORE": "memory"})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, TransportInproc, cfg.Transport)
	assert.Equal(t, LimiterWindow, cfg.Limiter)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)

	assert.Equal(t, 10_000, cfg.Queue.MaxQueueDepth)
	assert.Equal(t, 60, cfg.Queue.RateLimitPerMinute)
	assert.Equal(t, 0.9, cfg.Queue.Health.UnhealthyUtilization)
	assert.Equal(t, 20, cfg.Queue.Health.DegradedBacklog)
	assert.Equal(t, "queue_schema_migrations", cfg.Database.MigrationsTable)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queued.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: postgres
transport: river
database:
  conn_url: postgres://queue@localhost/queue
queue:
  max_queue_depth: 500
  processing_timeout: 90s
  health:
    degraded_failures: 5
log:
  level: debug
`), 0o600))

	cfg, err := load(path, map[string]string{
		"QUEUE_MAX_WORKERS": "4",
		"LOG_LEVEL":         "warn",
		"REDIS_URL":         "redis://localhost:6379/1",
	})
	require.NoError(t, err)

	assert.Equal(t, TransportRiver, cfg.Transport)
	assert.Equal(t, 500, cfg.Queue.MaxQueueDepth)
	assert.Equal(t, 90*time.Second, cfg.Queue.ProcessingTimeout)
	assert.Equal(t, 5, cfg.Queue.Health.DegradedFailures)
	assert.Equal(t, 50, cfg.Queue.Health.UnhealthyBacklog, "untouched default survives the file")
	assert.Equal(t, 4, cfg.Queue.MaxConcurrentWorkers)
	assert.Equal(t, "warn", cfg.Log.Level, "environment wins over the file")
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		environ map[string]string
		want    string
	}{
		{"postgres without url", map[string]string{}, "DATABASE_CONN_URL"},
		{"river on memory", map[string]string{"QUEUE_STORE": "memory", "QUEUE_TRANSPORT": "river"}, "requires the postgres store"},
		{"unknown store", map[string]string{"QUEUE_STORE": "sqlite"}, `unknown store "sqlite"`},
		{"unknown limiter", map[string]string{"QUEUE_STORE": "memory", "QUEUE_LIMITER": "leaky"}, `unknown limiter "leaky"`},
		{"bad level", map[string]string{"QUEUE_STORE": "memory", "LOG_LEVEL": "loud"}, "invalid level"},
		{"bad queue", map[string]string{"QUEUE_STORE": "memory", "QUEUE_BATCH_SIZE": "0"}, "batch size"},
		{"zero rate limit", map[string]string{"QUEUE_STORE": "memory", "QUEUE_RATE_LIMIT_PER_MINUTE": "0"}, "rate limit per minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load("", tt.environ)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), map[string]string{})
	assert.ErrorContains(t, err, "config: read")
}
