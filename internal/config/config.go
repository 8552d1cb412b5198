// Package config loads queued settings from an optional YAML file and the
// environment. Environment variables win over the file, the file wins over
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/jobqueue/pkg/db"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/redis"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	TransportInproc = "inproc"
	TransportRiver  = "river"

	LimiterWindow = "window"
	LimiterBucket = "bucket"
)

// envOnly is a tag name no field carries, so the override pass applies no
// defaults on top of file values.
const envOnly = "envOverrideDefault"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full daemon configuration.
type Config struct {
	HTTP HTTP `yaml:"http"`

	// Store selects the request store: memory or postgres.
	Store string `env:"QUEUE_STORE" envDefault:"postgres" yaml:"store"`
	// Transport selects the dispatch transport: inproc or river.
	Transport string `env:"QUEUE_TRANSPORT" envDefault:"inproc" yaml:"transport"`
	// Limiter selects the in-memory limiter when Redis is not configured:
	// window (sliding log) or bucket (token bucket).
	Limiter string `env:"QUEUE_LIMITER" envDefault:"window" yaml:"limiter"`
	// IdempotencyTTL bounds how long the ledger remembers a key. The store's
	// unique index keeps deduplicating after it expires.
	IdempotencyTTL time.Duration `env:"QUEUE_IDEMPOTENCY_TTL" envDefault:"24h" yaml:"idempotency_ttl"`

	Queue    queue.Config  `yaml:"queue"`
	Database db.Config     `yaml:"database"`
	Redis    redis.Config  `yaml:"redis"`
	Log      logger.Config `yaml:"log"`
}

// HTTP configures the admin listener.
type HTTP struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080" yaml:"addr"`
	AdminToken      string        `env:"ADMIN_TOKEN" yaml:"admin_token"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`
}

// Load reads defaults, then path when non-empty, then the environment.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load accepts an explicit environment for tests; nil reads the process
// environment.
func load(path string, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	opts := env.Options{DefaultValueTagName: envOnly}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and the queue tuning.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Transport {
	case TransportInproc:
	case TransportRiver:
		if c.Store != StorePostgres {
			errs = append(errs, errors.New("river transport requires the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Limiter {
	case LimiterWindow, LimiterBucket:
	default:
		errs = append(errs, fmt.Errorf("unknown limiter %q", c.Limiter))
	}
	if c.Store == StorePostgres && c.Database.ConnectionString == "" {
		errs = append(errs, errors.New("postgres store requires DATABASE_CONN_URL"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := c.Queue.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
