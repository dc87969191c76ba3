package conductor

import (
	"log/slog"

	"github.com/vectral/conductor/backoff"
	"github.com/vectral/conductor/capability"
	"github.com/vectral/conductor/ext"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/mempolicy"
	"github.com/vectral/conductor/middleware"
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) error {
		c.cfg = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithProbe sets the capability probe reading the host environment.
// Without one, a conservative host probe based on runtime.NumCPU is
// used and shared memory is assumed unavailable.
func WithProbe(p capability.Probe) Option {
	return func(c *Coordinator) error {
		c.probe = p
		return nil
	}
}

// WithAllocator sets the allocator invoked for the chosen memory
// policy. Without one, every candidate policy is accepted as-is.
func WithAllocator(a mempolicy.Allocator) Option {
	return func(c *Coordinator) error {
		c.allocator = a
		return nil
	}
}

// WithStore replaces the in-memory job store.
func WithStore(s job.Store) Option {
	return func(c *Coordinator) error {
		c.store = s
		return nil
	}
}

// WithBackoff replaces the default exponential retry strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Coordinator) error {
		c.backoff = s
		return nil
	}
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(c *Coordinator) error {
		c.extensions = append(c.extensions, e)
		return nil
	}
}

// WithMiddleware appends dispatch middleware, run for every job between
// the built-in recovery/logging layers and the compute call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Coordinator) error {
		c.middleware = append(c.middleware, mws...)
		return nil
	}
}
