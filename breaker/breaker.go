// Package breaker implements the circuit breaker guarding the compute
// module. Repeated dispatch failures open the circuit; submissions are
// rejected until a cooldown elapses or the breaker is explicitly reset.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State of the circuit.
type State string

const (
	// StateClosed allows all traffic.
	StateClosed State = "closed"
	// StateOpen rejects all traffic until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen allows a probe after the cooldown; its outcome
	// closes or re-opens the circuit.
	StateHalfOpen State = "half-open"
)

// Breaker counts consecutive failures and trips at a threshold.
// Safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed Breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func New(threshold int, cooldown time.Duration, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether traffic may proceed. When the cooldown has
// elapsed on an open circuit, the breaker moves to half-open and allows
// one probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.logger.Info("circuit breaker half-open, allowing probe")
			return true
		}
		return false
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("circuit breaker closed after successful dispatch")
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a dispatch failure. Reaching the threshold, or
// failing the half-open probe, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("circuit breaker opened",
				slog.Int("consecutive_failures", b.failures),
				slog.Duration("cooldown", b.cooldown),
			)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Reset closes the circuit immediately.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.mu.Unlock()
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
