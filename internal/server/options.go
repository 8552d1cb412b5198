package server

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Option configures Run.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	listener        net.Listener
	address         string
	startupHooks    []func(context.Context) error
	shutdownHooks   []func(context.Context) error
	shutdownTimeout time.Duration
}

// WithAddress sets the listen address.
// Default: ":8080".
func WithAddress(addr string) Option {
	return func(c *config) {
		if addr != "" {
			c.address = addr
		}
	}
}

// WithListener serves on an existing listener instead of WithAddress.
func WithListener(ln net.Listener) Option {
	return func(c *config) {
		c.listener = ln
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithShutdownTimeout bounds HTTP drain plus all shutdown hooks.
// Default: 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithStartupHook runs fn before the listener accepts connections. Hooks run
// in registration order; the first error aborts Run.
func WithStartupHook(fn func(context.Context) error) Option {
	return func(c *config) {
		if fn != nil {
			c.startupHooks = append(c.startupHooks, fn)
		}
	}
}

// WithShutdownHook runs fn after the HTTP server drained. Hooks run in
// registration order and share the shutdown timeout.
func WithShutdownHook(fn func(context.Context) error) Option {
	return func(c *config) {
		if fn != nil {
			c.shutdownHooks = append(c.shutdownHooks, fn)
		}
	}
}
