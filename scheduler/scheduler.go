// Package scheduler owns the dispatch pipeline: it accepts vectorization
// jobs, groups them into batches, and drives them through the compute
// module under a fixed concurrency ceiling with retry, circuit-breaker,
// and dead-letter handling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vectral/conductor/backoff"
	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/breaker"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/deadletter"
	"github.com/vectral/conductor/ext"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/middleware"
	"github.com/vectral/conductor/queue"
)

// Scheduler errors.
var (
	// ErrQueueUnavailable is returned by Submit while the circuit breaker
	// is open.
	ErrQueueUnavailable = errors.New("scheduler: queue unavailable, circuit open")
	// ErrStopped is returned by Submit after the scheduler has shut down.
	ErrStopped = errors.New("scheduler: stopped")
	// ErrJobTerminal is returned by Cancel for a job already in a terminal
	// state.
	ErrJobTerminal = errors.New("scheduler: job already terminal")
	// ErrNilModule is returned by New when no compute module is provided.
	ErrNilModule = errors.New("scheduler: compute module is required")
)

// Config holds scheduler limits. Zero fields take defaults.
type Config struct {
	// MaxConcurrency is the ceiling on in-flight dispatch units. A batch
	// counts as one unit regardless of size. Defaults to 2.
	MaxConcurrency int

	// MaxRetries is the default retry budget for jobs that do not set
	// their own. Defaults to 2.
	MaxRetries int

	// JobTimeout is the default per-dispatch deadline. Zero means no
	// deadline.
	JobTimeout time.Duration

	// TickInterval drives the dispatch loop. Defaults to 25ms.
	TickInterval time.Duration

	// CleanupAfter is how long terminal jobs are retained before the
	// sweep removes them. Defaults to 5 minutes.
	CleanupAfter time.Duration

	// CleanupEvery is the sweep cadence. Defaults to 1 minute.
	CleanupEvery time.Duration

	// BufferIdleAge is how long a free pooled buffer may sit unused
	// before the sweep evicts it. Defaults to 2 minutes.
	BufferIdleAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 25 * time.Millisecond
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 5 * time.Minute
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Minute
	}
	if c.BufferIdleAge <= 0 {
		c.BufferIdleAge = 2 * time.Minute
	}
	return c
}

// Deps carries the scheduler's collaborators. Module and Store are
// required; everything else has a working default.
type Deps struct {
	Module     compute.Module
	Store      job.Store
	Pool       *bufpool.Pool
	Batcher    *batch.Optimizer
	Breaker    *breaker.Breaker
	Backoff    backoff.Strategy
	Tiers      *queue.Manager
	DeadLetter *deadletter.Service
	Extensions *ext.Registry
	Logger     *slog.Logger

	// Middleware is appended between the built-in recover/logging outer
	// layers and the timeout layer wrapping the compute call.
	Middleware []middleware.Middleware

	// Progress, if set, receives per-job completion fractions as the
	// compute module reports them.
	Progress func(j *job.Job, fraction float64)
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Queued     int
	Processing int
	Retrying   int
	Completed  int
	Failed     int
	Cancelled  int

	ActiveUnits   int
	PendingJobs   int
	OpenBatchJobs int

	TotalProcessed uint64
	TotalRetried   uint64
	TotalFailed    uint64

	// AvgProcessing is the mean wall time of completed dispatches.
	AvgProcessing time.Duration

	Breaker breaker.State
	Pool    bufpool.Stats
}

// Scheduler coordinates job flow from submission to completion.
type Scheduler struct {
	cfg     Config
	module  compute.Module
	store   job.Store
	pool    *bufpool.Pool
	batcher *batch.Optimizer
	brk     *breaker.Breaker
	retry   backoff.Strategy
	tiers   *queue.Manager
	dead    *deadletter.Service
	exts    *ext.Registry
	logger  *slog.Logger
	chain   middleware.Middleware

	progress func(j *job.Job, fraction float64)
	pending  *queue.Pending

	mu        sync.Mutex
	ready     []*batch.Batch
	running   map[string]context.CancelFunc
	cancelled map[string]struct{}
	active    int
	started   bool
	stopped   bool

	totalProcessed uint64
	totalRetried   uint64
	totalFailed    uint64
	totalElapsed   time.Duration

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Scheduler. Module and Store must be set in deps.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Module == nil {
		return nil, ErrNilModule
	}
	if deps.Store == nil {
		return nil, errors.New("scheduler: job store is required")
	}

	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pool == nil {
		deps.Pool = bufpool.NewPool(logger)
	}
	if deps.Batcher == nil {
		deps.Batcher = batch.NewOptimizer(batch.Config{
			MinSize: 2,
			MaxSize: 4,
			Cutoff:  0.8,
			Timeout: 200 * time.Millisecond,
			MaxWait: 100 * time.Millisecond,
		}, logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(3, 30*time.Second, logger)
	}
	if deps.Backoff == nil {
		deps.Backoff = backoff.DefaultStrategy()
	}
	if deps.Tiers == nil {
		deps.Tiers = queue.NewManager()
	}
	if deps.Extensions == nil {
		deps.Extensions = ext.NewRegistry(logger)
	}

	s := &Scheduler{
		cfg:       cfg,
		module:    deps.Module,
		store:     deps.Store,
		pool:      deps.Pool,
		batcher:   deps.Batcher,
		brk:       deps.Breaker,
		retry:     deps.Backoff,
		tiers:     deps.Tiers,
		dead:      deps.DeadLetter,
		exts:      deps.Extensions,
		logger:    logger,
		progress:  deps.Progress,
		pending:   queue.NewPending(),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
		kickCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	// Recover and logging wrap everything; the timeout layer sits
	// innermost so user middleware observes the full dispatch window.
	mws := []middleware.Middleware{
		middleware.Recover(logger),
		middleware.Logging(logger),
	}
	mws = append(mws, deps.Middleware...)
	mws = append(mws, middleware.Timeout(logger))
	s.chain = middleware.Chain(mws...)

	return s, nil
}

// Submit accepts one vectorization request. The pixel data is copied
// into a pooled buffer owned by the job until it reaches a terminal
// state. Submit never blocks on dispatch capacity; it only rejects when
// the circuit is open or the scheduler has stopped.
func (s *Scheduler) Submit(ctx context.Context, pixels []byte, width, height int, layout bufpool.Layout, cfg compute.Config, opts ...job.Option) (*job.Job, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	if !s.brk.Allow() {
		return nil, ErrQueueUnavailable
	}

	options := job.DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	buf, err := s.pool.Allocate(width, height, layout)
	if err != nil {
		return nil, err
	}
	copy(buf.Data, pixels)

	priority := options.Priority
	if priority < job.PriorityLow || priority > job.PriorityHigh {
		priority = job.PriorityNormal
	}
	maxRetries := options.MaxRetries
	if maxRetries < 0 {
		maxRetries = s.cfg.MaxRetries
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = s.cfg.JobTimeout
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Config:     cfg,
		Priority:   priority,
		State:      job.StateQueued,
		Buffer:     buf,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
		RunAt:      now,
	}

	if err := s.store.Put(ctx, j); err != nil {
		_ = s.pool.Release(buf)
		return nil, fmt.Errorf("scheduler: store job: %w", err)
	}

	s.exts.EmitJobQueued(ctx, j)
	s.logger.Debug("job queued",
		slog.String("job_id", j.ID.String()),
		slog.String("backend", string(cfg.Backend)),
		slog.String("priority", j.Priority.String()),
	)

	ready, ok := s.batcher.Add(j)
	switch {
	case ready != nil:
		s.exts.EmitBatchFormed(ctx, ready)
		s.mu.Lock()
		s.ready = append(s.ready, ready)
		s.mu.Unlock()
		s.kick()
	case !ok:
		// Every open batch slot is taken by incompatible work; dispatch
		// this job individually.
		s.pending.Push(j)
		s.kick()
	}

	return j, nil
}

// Cancel removes a job from the pipeline. Queued and retrying jobs are
// cancelled immediately; a job already in flight is cancelled
// cooperatively and its result discarded.
func (s *Scheduler) Cancel(ctx context.Context, jobID id.JobID) error {
	stored, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, stored.State)
	}

	// Still waiting in an open batch?
	if s.batcher.Remove(jobID) {
		s.finalizeCancelled(ctx, stored)
		return nil
	}

	// Waiting in the pending queue (covers retrying jobs too)?
	if j := s.pending.Remove(jobID); j != nil {
		s.finalizeCancelled(ctx, j)
		return nil
	}

	// Closed but not yet dispatched batch?
	if j := s.removeFromReady(jobID); j != nil {
		s.finalizeCancelled(ctx, j)
		return nil
	}

	// In flight: flag it and cancel the dispatch context. The dispatch
	// path observes the flag and finalizes as cancelled.
	s.mu.Lock()
	s.cancelled[jobID.String()] = struct{}{}
	cancel := s.running[jobID.String()]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// GetJob returns a snapshot of the job's current state.
func (s *Scheduler) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.store.Get(ctx, jobID)
}

// Start launches the dispatch and cleanup loops. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.run(ctx)
	})
}

// Stop shuts the pipeline down: no new submissions are accepted, the
// dispatch loop exits, undispatched work is cancelled so every accepted
// job reaches a terminal state, and Stop waits for in-flight dispatches
// until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()

		close(s.stopCh)
		if started {
			<-s.doneCh
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			err = fmt.Errorf("scheduler: shutdown timed out: %w", ctx.Err())
		}

		// After in-flight work settles, so a retry pushed during shutdown
		// is drained too.
		s.drainUndispatched(ctx)

		s.exts.EmitShutdown(ctx)
		s.logger.Info("scheduler stopped")
	})
	return err
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	st := Stats{
		ActiveUnits:    s.active,
		TotalProcessed: s.totalProcessed,
		TotalRetried:   s.totalRetried,
		TotalFailed:    s.totalFailed,
	}
	if s.totalProcessed > 0 {
		st.AvgProcessing = s.totalElapsed / time.Duration(s.totalProcessed)
	}
	s.mu.Unlock()

	st.PendingJobs = s.pending.Len()
	st.OpenBatchJobs = s.batcher.PendingJobs()
	st.Breaker = s.brk.State()
	st.Pool = s.pool.Stats()

	st.Queued, _ = s.store.Count(ctx, job.StateQueued)
	st.Processing, _ = s.store.Count(ctx, job.StateProcessing)
	st.Retrying, _ = s.store.Count(ctx, job.StateRetrying)
	st.Completed, _ = s.store.Count(ctx, job.StateCompleted)
	st.Failed, _ = s.store.Count(ctx, job.StateFailed)
	st.Cancelled, _ = s.store.Count(ctx, job.StateCancelled)
	return st
}

// run is the dispatch loop. Each pass closes timed-out batches and
// fills free capacity from ready batches first, then the pending queue.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupEvery)
	defer cleanup.Stop()

	s.logger.Info("scheduler started",
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
		slog.Duration("tick_interval", s.cfg.TickInterval),
	)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-cleanup.C:
			s.sweep(ctx)
		case <-ticker.C:
			s.dispatchEligible(ctx)
		case <-s.kickCh:
			s.dispatchEligible(ctx)
		}
	}
}

// kick nudges the dispatch loop without waiting for the next tick.
func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// dispatchEligible flushes timed-out batches and starts dispatch units
// while capacity remains. A tier whose limits reject a unit is skipped
// for the rest of the pass so lower tiers are not starved; the rejected
// unit keeps its place in line for the next pass.
func (s *Scheduler) dispatchEligible(ctx context.Context) {
	for _, b := range s.batcher.TimedOut() {
		s.exts.EmitBatchFormed(ctx, b)
		s.mu.Lock()
		s.ready = append(s.ready, b)
		s.mu.Unlock()
	}

	var blocked [3]bool

	for {
		s.mu.Lock()
		if s.active >= s.cfg.MaxConcurrency {
			s.mu.Unlock()
			return
		}

		// First ready batch whose tier has capacity; a batch from a
		// saturated tier keeps its position.
		var b *batch.Batch
		var batchT job.Priority
		for i, cand := range s.ready {
			t := batchTier(cand)
			if blocked[t] {
				continue
			}
			if !s.tiers.Acquire(t) {
				blocked[t] = true
				continue
			}
			b = cand
			batchT = t
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
		if b != nil {
			s.active++
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.unitDone(batchT)
				s.dispatchBatch(ctx, b)
			}()
			continue
		}
		s.mu.Unlock()

		j := s.pending.PopWhere(time.Now().UTC(), func(p job.Priority) bool {
			return !blocked[p]
		})
		if j == nil {
			return
		}
		if !s.tiers.Acquire(j.Priority) {
			blocked[j.Priority] = true
			s.pending.Requeue(j)
			continue
		}

		s.mu.Lock()
		s.active++
		s.mu.Unlock()

		tier := j.Priority
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unitDone(tier)
			s.dispatchJob(ctx, j)
		}()
	}
}

// drainUndispatched cancels every job that was accepted but never
// dispatched: members of still-open batches, closed-but-undispatched
// batches, and the pending queue.
func (s *Scheduler) drainUndispatched(ctx context.Context) {
	for _, b := range s.batcher.Flush() {
		for _, j := range b.Jobs {
			s.finalizeCancelled(ctx, j)
		}
	}

	s.mu.Lock()
	ready := s.ready
	s.ready = nil
	s.mu.Unlock()
	for _, b := range ready {
		for _, j := range b.Jobs {
			s.finalizeCancelled(ctx, j)
		}
	}

	for _, j := range s.pending.Drain() {
		s.finalizeCancelled(ctx, j)
	}
}

func (s *Scheduler) unitDone(tier job.Priority) {
	s.tiers.Release(tier)
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.kick()
}

// sweep removes old terminal jobs and evicts idle pooled buffers.
func (s *Scheduler) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.CleanupAfter)
	removed, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("terminal job sweep failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Debug("swept terminal jobs", slog.Int("removed", removed))
	}
	s.pool.EvictIdle(s.cfg.BufferIdleAge)
}

// removeFromReady pulls a job out of a closed-but-undispatched batch.
func (s *Scheduler) removeFromReady(jobID id.JobID) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobID.String()
	for bi, b := range s.ready {
		for ji, j := range b.Jobs {
			if j.ID.String() != key {
				continue
			}
			b.Jobs = append(b.Jobs[:ji], b.Jobs[ji+1:]...)
			if len(b.Jobs) == 0 {
				s.ready = append(s.ready[:bi], s.ready[bi+1:]...)
			}
			return j
		}
	}
	return nil
}

// batchTier is the dispatch tier of a batch: its highest member priority.
func batchTier(b *batch.Batch) job.Priority {
	tier := job.PriorityLow
	for _, j := range b.Jobs {
		if j.Priority > tier {
			tier = j.Priority
		}
	}
	return tier
}
