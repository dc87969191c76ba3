package conductor

import "time"

// Config holds configuration for the Coordinator.
type Config struct {
	// MaxConcurrency is the ceiling on in-flight dispatch units. A batch
	// counts as one unit.
	MaxConcurrency int

	// MaxRetries is the default retry budget per job.
	MaxRetries int

	// JobTimeout is the default per-dispatch deadline. Zero disables it.
	JobTimeout time.Duration

	// TickInterval drives the dispatch loop.
	TickInterval time.Duration

	// CleanupAfter is how long terminal jobs are retained.
	CleanupAfter time.Duration

	// MinBatchSize is the smallest batch the wait-bound flush will close.
	MinBatchSize int

	// MaxBatchSize is the hard upper bound on batch size.
	MaxBatchSize int

	// CompatibilityCutoff is the score threshold for grouping jobs into
	// one batch.
	CompatibilityCutoff float64

	// BatchTimeout is the maximum age of an open batch.
	BatchTimeout time.Duration

	// BatchMaxWait bounds how long the oldest member of a batch that has
	// reached MinBatchSize keeps waiting for more members.
	BatchMaxWait time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	BreakerThreshold int

	// BreakerCooldown is how long the circuit stays open before a probe
	// is allowed.
	BreakerCooldown time.Duration

	// BackoffBase and BackoffMax bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PoolSoftLimit is the retained-bytes threshold above which buffer
	// pool pressure events fire. Zero disables pressure reporting.
	PoolSoftLimit int64

	// DeadLetterCapacity bounds the retained dead-letter entries.
	DeadLetterCapacity int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:      2,
		MaxRetries:          2,
		TickInterval:        25 * time.Millisecond,
		CleanupAfter:        5 * time.Minute,
		MinBatchSize:        2,
		MaxBatchSize:        4,
		CompatibilityCutoff: 0.8,
		BatchTimeout:        200 * time.Millisecond,
		BatchMaxWait:        100 * time.Millisecond,
		BreakerThreshold:    3,
		BreakerCooldown:     30 * time.Second,
		BackoffBase:         time.Second,
		BackoffMax:          30 * time.Second,
		PoolSoftLimit:       64 << 20,
		DeadLetterCapacity:  64,
	}
}
