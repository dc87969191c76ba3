package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/vectral/conductor/job"
)

// TierConfig defines per-tier dispatch behaviour.
type TierConfig struct {
	// Tier is the priority tier this config applies to.
	Tier job.Priority

	// MaxConcurrency limits how many dispatch units from this tier may
	// be in flight simultaneously. Zero means no tier-specific limit
	// (the scheduler-wide ceiling still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained dispatches per second for this
	// tier. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// tierState tracks runtime state for a single tier.
type tierState struct {
	config  TierConfig
	limiter *rate.Limiter
	active  int
}

// Manager applies per-tier rate limiting and concurrency at dispatch
// time. Safe for concurrent use. The scheduler calls Acquire before
// dispatching a unit from a tier and Release when it completes.
type Manager struct {
	mu    sync.Mutex
	tiers map[job.Priority]*tierState
}

// NewManager creates a Manager with the given tier configurations.
// Tiers not listed have no limits.
func NewManager(configs ...TierConfig) *Manager {
	m := &Manager{tiers: make(map[job.Priority]*tierState, len(configs))}
	for _, cfg := range configs {
		m.tiers[cfg.Tier] = newTierState(cfg)
	}
	return m
}

func newTierState(cfg TierConfig) *tierState {
	ts := &tierState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks rate and concurrency limits for the tier. If allowed it
// increments the tier's active count and returns true; the caller MUST
// call Release when the unit completes.
func (m *Manager) Acquire(tier job.Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tiers[tier]
	if ts == nil {
		return true
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	ts.active++
	return true
}

// Release decrements the active count for the tier.
func (m *Manager) Release(tier job.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tiers[tier]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// ActiveCount returns the in-flight unit count for a tier.
func (m *Manager) ActiveCount(tier job.Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tiers[tier]; ts != nil {
		return ts.active
	}
	return 0
}
