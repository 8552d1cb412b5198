package queue

import (
	"errors"
	"fmt"
	"time"
)

// Config holds queue tuning parameters. Fields carry env tags for
// caarlos0/env and yaml tags for file based configuration.
type Config struct {
	// Name identifies the queue in metric samples.
	Name string `env:"QUEUE_NAME" envDefault:"default" yaml:"name"`

	// Admission control.
	RateLimitPerMinute int `env:"QUEUE_RATE_LIMIT_PER_MINUTE" envDefault:"60" yaml:"rate_limit_per_minute"`
	MaxQueueDepth      int `env:"QUEUE_MAX_DEPTH" envDefault:"10000" yaml:"max_queue_depth"`

	// Dispatch.
	MaxConcurrentWorkers int           `env:"QUEUE_MAX_WORKERS" envDefault:"10" yaml:"max_concurrent_workers"`
	ProcessingTimeout    time.Duration `env:"QUEUE_PROCESSING_TIMEOUT" envDefault:"60s" yaml:"processing_timeout"`

	// Retry. Attempt n (1-based retry count) waits RetryBackoff * 2^n.
	MaxRetryAttempts int           `env:"QUEUE_MAX_RETRY_ATTEMPTS" envDefault:"3" yaml:"max_retry_attempts"`
	RetryBackoff     time.Duration `env:"QUEUE_RETRY_BACKOFF" envDefault:"1s" yaml:"retry_backoff"`
	MaxRetryDelay    time.Duration `env:"QUEUE_MAX_RETRY_DELAY" envDefault:"10m" yaml:"max_retry_delay"`

	// Batch mode.
	BatchSize     int           `env:"QUEUE_BATCH_SIZE" envDefault:"100" yaml:"batch_size"`
	BatchInterval time.Duration `env:"QUEUE_BATCH_INTERVAL" envDefault:"1s" yaml:"batch_interval"`

	// Maintenance cron specs (robfig/cron syntax, descriptors allowed).
	ReaperSchedule   string `env:"QUEUE_REAPER_SCHEDULE" envDefault:"@every 1m" yaml:"reaper_schedule"`
	SnapshotSchedule string `env:"QUEUE_SNAPSHOT_SCHEDULE" envDefault:"@every 1m" yaml:"snapshot_schedule"`

	Health HealthThresholds `envPrefix:"QUEUE_HEALTH_" yaml:"health"`
}

// HealthThresholds decide the derived health status. A value strictly greater
// than the threshold trips it.
type HealthThresholds struct {
	UnhealthyUtilization float64 `env:"UNHEALTHY_UTILIZATION" envDefault:"0.9" yaml:"unhealthy_utilization"`
	UnhealthyFailures    int     `env:"UNHEALTHY_FAILURES" envDefault:"100" yaml:"unhealthy_failures"`
	UnhealthyBacklog     int     `env:"UNHEALTHY_BACKLOG" envDefault:"50" yaml:"unhealthy_backlog"`
	DegradedUtilization  float64 `env:"DEGRADED_UTILIZATION" envDefault:"0.7" yaml:"degraded_utilization"`
	DegradedFailures     int     `env:"DEGRADED_FAILURES" envDefault:"50" yaml:"degraded_failures"`
	DegradedBacklog      int     `env:"DEGRADED_BACKLOG" envDefault:"20" yaml:"degraded_backlog"`
}

// DefaultConfig returns the canonical defaults.
func DefaultConfig() Config {
	return Config{
		Name:                 "default",
		RateLimitPerMinute:   60,
		MaxQueueDepth:        10_000,
		MaxConcurrentWorkers: 10,
		ProcessingTimeout:    60 * time.Second,
		MaxRetryAttempts:     3,
		RetryBackoff:         time.Second,
		MaxRetryDelay:        10 * time.Minute,
		BatchSize:            100,
		BatchInterval:        time.Second,
		ReaperSchedule:       "@every 1m",
		SnapshotSchedule:     "@every 1m",
		Health:               DefaultHealthThresholds(),
	}
}

// DefaultHealthThresholds returns the canonical health thresholds.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		UnhealthyUtilization: 0.9,
		UnhealthyFailures:    100,
		UnhealthyBacklog:     50,
		DegradedUtilization:  0.7,
		DegradedFailures:     50,
		DegradedBacklog:      20,
	}
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	var errs []error
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("rate limit per minute must be positive, got %d", c.RateLimitPerMinute))
	}
	if c.MaxQueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("max queue depth must be positive, got %d", c.MaxQueueDepth))
	}
	if c.MaxConcurrentWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent workers must be positive, got %d", c.MaxConcurrentWorkers))
	}
	if c.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("processing timeout must be positive"))
	}
	if c.MaxRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max retry attempts must be positive, got %d", c.MaxRetryAttempts))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, errors.New("retry backoff must not be negative"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.BatchInterval <= 0 {
		errs = append(errs, errors.New("batch interval must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{errors.New("queue: invalid config")}, errs...)...)
	}
	return nil
}
