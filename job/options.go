package job

import "time"

// Options configures per-job behavior. Zero fields fall back to the
// scheduler's configured defaults at submission time.
type Options struct {
	// Priority determines the dispatch tier.
	Priority Priority

	// MaxRetries overrides the scheduler's retry budget. Negative means
	// "use the default"; zero disables retries for this job.
	MaxRetries int

	// Timeout overrides the scheduler's per-job deadline.
	Timeout time.Duration
}

// DefaultOptions returns Options deferring everything to scheduler config.
func DefaultOptions() Options {
	return Options{
		Priority:   PriorityNormal,
		MaxRetries: -1,
	}
}

// Option is a functional option for job submission.
type Option func(*Options)

// WithPriority sets the dispatch tier.
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxRetries sets the retry budget for this job.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithTimeout sets the per-job execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
