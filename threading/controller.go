package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Phase is the lifecycle phase of the thread pool.
type Phase string

const (
	// PhaseUninitialized means no activation has been requested.
	PhaseUninitialized Phase = "uninitialized"
	// PhaseInitializing means activation is in flight, awaiting confirmation.
	PhaseInitializing Phase = "initializing"
	// PhaseReady means the pool is active. Terminal for the session.
	PhaseReady Phase = "ready"
	// PhaseFailed means activation failed. May move to fallback.
	PhaseFailed Phase = "failed"
	// PhaseFallbackSingleThreaded is the explicit degraded-but-working
	// terminal phase entered after a failure.
	PhaseFallbackSingleThreaded Phase = "fallbackSingleThreaded"
)

// maxThreads caps the effective thread count regardless of core count.
const maxThreads = 8

// ErrInvalidPhase is returned for a transition not allowed from the
// current phase.
var ErrInvalidPhase = errors.New("threading: invalid phase for transition")

// Activator is the compute module's pool-init entry point.
type Activator interface {
	ActivateThreads(ctx context.Context, n int) error
}

// TransitionHook observes phase transitions, for telemetry.
type TransitionHook func(from, to Phase)

// Controller is the lifecycle state machine. It is an owned value, not an
// ambient global, so multiple controllers can coexist in tests. All state
// changes go through the defined transition methods.
type Controller struct {
	activator Activator
	cores     int
	logger    *slog.Logger
	hook      TransitionHook

	mu        sync.Mutex
	phase     Phase
	cycle     uint64
	confirmed bool
	requested int
	threads   int
	lastErr   error
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithTransitionHook sets an observer called after every phase transition.
// The hook runs while no lock is held.
func WithTransitionHook(h TransitionHook) ControllerOption {
	return func(c *Controller) { c.hook = h }
}

// NewController creates a Controller in the Uninitialized phase.
// hardwareConcurrency is the detected logical core count; activator may be
// nil when confirmations are driven entirely by an external callback.
func NewController(activator Activator, hardwareConcurrency int, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		activator: activator,
		cores:     hardwareConcurrency,
		logger:    logger,
		phase:     PhaseUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate requests pool activation with the given thread count. Zero
// means "use detected hardware concurrency". Valid only from the
// Uninitialized phase.
//
// The effective count is clamped to hardware concurrency, reserves one
// core for the host when more than one is available, and never exceeds
// the hard cap. Activate returns the effective count immediately; the
// outcome arrives later via ConfirmSuccess or ConfirmFailure.
func (c *Controller) Activate(ctx context.Context, requested int) (int, error) {
	c.mu.Lock()
	if c.phase != PhaseUninitialized {
		phase := c.phase
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: activate from %q", ErrInvalidPhase, phase)
	}

	effective := c.effectiveFor(requested)
	c.phase = PhaseInitializing
	c.cycle++
	c.confirmed = false
	c.requested = effective
	cycle := c.cycle
	c.mu.Unlock()

	c.emit(PhaseUninitialized, PhaseInitializing)

	c.logger.Info("thread pool activation requested",
		slog.Int("requested", requested),
		slog.Int("effective", effective),
		slog.Int("hardware_concurrency", c.cores),
	)

	if c.activator != nil {
		go func() {
			if err := c.activator.ActivateThreads(ctx, effective); err != nil {
				c.confirm(cycle, err)
				return
			}
			c.confirm(cycle, nil)
		}()
	}

	return effective, nil
}

// ConfirmSuccess records a successful activation. Valid only while
// Initializing; the first confirmation of a cycle wins and any later call
// is a no-op. Returns true if this call performed the transition.
func (c *Controller) ConfirmSuccess() bool {
	c.mu.Lock()
	cycle := c.cycle
	c.mu.Unlock()
	return c.confirm(cycle, nil)
}

// ConfirmFailure records a failed activation with its reason. Same
// one-shot semantics as ConfirmSuccess.
func (c *Controller) ConfirmFailure(reason error) bool {
	if reason == nil {
		reason = errors.New("threading: activation failed")
	}
	c.mu.Lock()
	cycle := c.cycle
	c.mu.Unlock()
	return c.confirm(cycle, reason)
}

// confirm applies a confirmation for the given activation cycle. Stale
// cycles (after Reset) and already-confirmed cycles are ignored.
func (c *Controller) confirm(cycle uint64, reason error) bool {
	c.mu.Lock()
	if c.cycle != cycle || c.phase != PhaseInitializing || c.confirmed {
		c.mu.Unlock()
		return false
	}
	c.confirmed = true

	var to Phase
	if reason == nil {
		c.phase = PhaseReady
		c.threads = c.requested
		to = PhaseReady
	} else {
		c.phase = PhaseFailed
		c.lastErr = reason
		to = PhaseFailed
	}
	c.mu.Unlock()

	c.emit(PhaseInitializing, to)

	if reason == nil {
		c.logger.Info("thread pool ready", slog.Int("threads", c.EffectiveThreadCount()))
	} else {
		c.logger.Warn("thread pool activation failed", slog.String("error", reason.Error()))
	}
	return true
}

// FallbackSingleThreaded explicitly accepts single-threaded operation
// after a failed activation. Valid only from the Failed phase.
func (c *Controller) FallbackSingleThreaded() error {
	c.mu.Lock()
	if c.phase != PhaseFailed {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: fallback from %q", ErrInvalidPhase, phase)
	}
	c.phase = PhaseFallbackSingleThreaded
	c.threads = 1
	c.mu.Unlock()

	c.emit(PhaseFailed, PhaseFallbackSingleThreaded)
	c.logger.Info("degraded to single-threaded execution")
	return nil
}

// Reset re-enters the Uninitialized phase, invalidating any in-flight
// confirmation.
func (c *Controller) Reset() {
	c.mu.Lock()
	from := c.phase
	c.phase = PhaseUninitialized
	c.cycle++
	c.confirmed = false
	c.requested = 0
	c.threads = 0
	c.lastErr = nil
	c.mu.Unlock()

	if from != PhaseUninitialized {
		c.emit(from, PhaseUninitialized)
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// IsReady reports whether the pool is active.
func (c *Controller) IsReady() bool {
	return c.Phase() == PhaseReady
}

// EffectiveThreadCount returns the active execution unit count: the
// confirmed pool size when Ready, otherwise 1.
func (c *Controller) EffectiveThreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseReady {
		return 1
	}
	return c.threads
}

// LastError returns the reason for the most recent activation failure.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// effectiveFor clamps the requested count. Caller holds c.mu.
func (c *Controller) effectiveFor(requested int) int {
	cores := c.cores
	if cores < 1 {
		cores = 1
	}

	effective := cores
	if requested > 0 && requested < effective {
		effective = requested
	}

	// Reserve one core for the host thread when there is more than one.
	if cores > 1 && effective > cores-1 {
		effective = cores - 1
	}
	if effective > maxThreads {
		effective = maxThreads
	}
	if effective < 1 {
		effective = 1
	}
	return effective
}

func (c *Controller) emit(from, to Phase) {
	if c.hook != nil {
		c.hook(from, to)
	}
}
