package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/vectral/conductor/backoff"
	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/breaker"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/capability"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/deadletter"
	"github.com/vectral/conductor/ext"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/mempolicy"
	"github.com/vectral/conductor/middleware"
	"github.com/vectral/conductor/scheduler"
	"github.com/vectral/conductor/store/memory"
	"github.com/vectral/conductor/telemetry"
	"github.com/vectral/conductor/threading"
)

// Coordinator is the facade over the whole pipeline: capability
// detection, memory sizing, threading lifecycle, buffer pooling,
// batching, and scheduling.
//
// Create one with New and functional options, then call Start.
// Threading is never activated implicitly; call ActivateThreading when
// the user opts in.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	module compute.Module

	probe      capability.Probe
	allocator  mempolicy.Allocator
	store      job.Store
	backoff    backoff.Strategy
	extensions []ext.Extension
	middleware []middleware.Middleware

	detector *capability.Detector
	registry *ext.Registry
	bus      *telemetry.Bus
	tele     *telemetry.Extension
	pool     *bufpool.Pool
	brk      *breaker.Breaker
	dead     *deadletter.Service
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	started bool
	report  capability.Report
	policy  mempolicy.Policy
	threads *threading.Controller
}

// New creates a Coordinator around the given compute module.
func New(module compute.Module, opts ...Option) (*Coordinator, error) {
	if module == nil {
		return nil, ErrNoModule
	}

	c := &Coordinator{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		module: module,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.probe == nil {
		c.probe = hostProbe()
	}
	if c.allocator == nil {
		c.allocator = mempolicy.AllocatorFunc(func(context.Context, mempolicy.Policy) error {
			return nil
		})
	}
	if c.store == nil {
		c.store = memory.New()
	}
	if c.backoff == nil {
		c.backoff = backoff.NewExponential(c.cfg.BackoffBase, c.cfg.BackoffMax)
	}

	c.detector = capability.NewDetector(c.probe, c.logger)

	c.registry = ext.NewRegistry(c.logger)
	c.bus = telemetry.NewBus()
	c.tele = telemetry.NewExtension(c.bus)
	c.registry.Register(c.tele)
	for _, e := range c.extensions {
		c.registry.Register(e)
	}

	c.pool = bufpool.NewPool(c.logger,
		bufpool.WithSoftLimit(c.cfg.PoolSoftLimit),
		bufpool.WithPressureHook(func(stats bufpool.Stats) {
			c.registry.EmitBufferPressure(context.Background(), stats)
		}),
	)
	c.brk = breaker.New(c.cfg.BreakerThreshold, c.cfg.BreakerCooldown, c.logger)
	c.dead = deadletter.NewService(c.cfg.DeadLetterCapacity)

	batcher := batch.NewOptimizer(batch.Config{
		MinSize: c.cfg.MinBatchSize,
		MaxSize: c.cfg.MaxBatchSize,
		Cutoff:  c.cfg.CompatibilityCutoff,
		Timeout: c.cfg.BatchTimeout,
		MaxWait: c.cfg.BatchMaxWait,
	}, c.logger)

	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrency: c.cfg.MaxConcurrency,
		MaxRetries:     c.cfg.MaxRetries,
		JobTimeout:     c.cfg.JobTimeout,
		TickInterval:   c.cfg.TickInterval,
		CleanupAfter:   c.cfg.CleanupAfter,
	}, scheduler.Deps{
		Module:     module,
		Store:      c.store,
		Pool:       c.pool,
		Batcher:    batcher,
		Breaker:    c.brk,
		Backoff:    c.backoff,
		DeadLetter: c.dead,
		Extensions: c.registry,
		Logger:     c.logger,
		Middleware: c.middleware,
		Progress:   c.tele.PublishProgress,
	})
	if err != nil {
		return nil, err
	}
	c.sched = sched
	c.dead.Bind(sched)

	return c, nil
}

// Start probes the environment, provisions memory for the compute
// module, loads it, and launches the dispatch loop. It never activates
// threading.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	report := c.detector.Detect(ctx)

	policy, err := mempolicy.Provision(ctx, report, c.allocator, c.logger)
	if err != nil {
		return fmt.Errorf("conductor: provision memory: %w", err)
	}

	if err := c.module.Load(ctx); err != nil {
		return fmt.Errorf("conductor: load compute module: %w", err)
	}

	threads := threading.NewController(c.module, report.HardwareConcurrency, c.logger,
		threading.WithTransitionHook(func(from, to threading.Phase) {
			c.registry.EmitThreadingTransition(context.Background(), from, to)
		}),
	)

	c.mu.Lock()
	c.report = report
	c.policy = policy
	c.threads = threads
	c.started = true
	c.mu.Unlock()

	c.sched.Start(ctx)

	c.logger.Info("conductor started",
		slog.String("device_class", string(report.DeviceClass)),
		slog.Bool("threading_supported", report.ThreadingSupported()),
		slog.Int64("memory_ceiling_bytes", policy.MaxBytes()),
		slog.Bool("shared_memory", policy.Shared),
	)
	return nil
}

// Stop shuts down the dispatch pipeline.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.sched.Stop(ctx)
}

// Submit accepts one vectorization request. See scheduler.Scheduler.Submit.
func (c *Coordinator) Submit(ctx context.Context, pixels []byte, width, height int, layout bufpool.Layout, cfg compute.Config, opts ...job.Option) (*job.Job, error) {
	if !c.isStarted() {
		return nil, ErrNotStarted
	}
	return c.sched.Submit(ctx, pixels, width, height, layout, cfg, opts...)
}

// Cancel removes a job from the pipeline.
func (c *Coordinator) Cancel(ctx context.Context, jobID id.JobID) error {
	return c.sched.Cancel(ctx, jobID)
}

// GetJob returns a snapshot of the job's current state.
func (c *Coordinator) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.sched.GetJob(ctx, jobID)
}

// ActivateThreading requests activation of the compute module's worker
// pool with the given thread count (zero means "use detected hardware
// concurrency"). It returns the clamped effective count; the outcome
// arrives through the threading controller's phase.
func (c *Coordinator) ActivateThreading(ctx context.Context, requested int) (int, error) {
	c.mu.Lock()
	started := c.started
	report := c.report
	threads := c.threads
	c.mu.Unlock()

	if !started {
		return 0, ErrNotStarted
	}
	if !report.ThreadingSupported() {
		return 0, fmt.Errorf("%w: missing %s", ErrThreadingUnsupported,
			strings.Join(report.MissingRequirements, ", "))
	}
	if !c.module.ThreadingSupported() {
		return 0, fmt.Errorf("%w: module built without parallel runtime", ErrThreadingUnsupported)
	}

	return threads.Activate(ctx, requested)
}

// Threading returns the lifecycle controller, or nil before Start.
func (c *Coordinator) Threading() *threading.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads
}

// Capabilities returns the classified capability report. The zero
// report is returned before Start.
func (c *Coordinator) Capabilities() capability.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// MemoryPolicy returns the provisioned memory policy. The zero policy
// is returned before Start.
func (c *Coordinator) MemoryPolicy() mempolicy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Events returns the telemetry bus carrying the lifecycle event stream.
func (c *Coordinator) Events() *telemetry.Bus { return c.bus }

// DeadLetters returns the dead-letter service.
func (c *Coordinator) DeadLetters() *deadletter.Service { return c.dead }

// Stats returns a snapshot of scheduler activity.
func (c *Coordinator) Stats(ctx context.Context) scheduler.Stats {
	return c.sched.Stats(ctx)
}

func (c *Coordinator) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// hostProbe reads what little the Go runtime can see of the host:
// logical core count only, no shared memory, no isolation. Real
// deployments supply a probe wired to the embedding environment.
func hostProbe() capability.Probe {
	return capability.ProbeFunc(func(context.Context) (capability.Readings, error) {
		return capability.Readings{
			HardwareConcurrency: runtime.NumCPU(),
		}, nil
	})
}
