package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/threading"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobQueuedEntry struct {
	name string
	hook JobQueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobDeadLetteredEntry struct {
	name string
	hook JobDeadLettered
}

type batchFormedEntry struct {
	name string
	hook BatchFormed
}

type batchDispatchedEntry struct {
	name string
	hook BatchDispatched
}

type batchFallbackEntry struct {
	name string
	hook BatchFallback
}

type threadingTransitionEntry struct {
	name string
	hook ThreadingTransition
}

type bufferPressureEntry struct {
	name string
	hook BufferPressure
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobQueued           []jobQueuedEntry
	jobStarted          []jobStartedEntry
	jobCompleted        []jobCompletedEntry
	jobFailed           []jobFailedEntry
	jobRetrying         []jobRetryingEntry
	jobCancelled        []jobCancelledEntry
	jobDeadLettered     []jobDeadLetteredEntry
	batchFormed         []batchFormedEntry
	batchDispatched     []batchDispatchedEntry
	batchFallback       []batchFallbackEntry
	threadingTransition []threadingTransitionEntry
	bufferPressure      []bufferPressureEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobQueued); ok {
		r.jobQueued = append(r.jobQueued, jobQueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobDeadLettered); ok {
		r.jobDeadLettered = append(r.jobDeadLettered, jobDeadLetteredEntry{name, h})
	}
	if h, ok := e.(BatchFormed); ok {
		r.batchFormed = append(r.batchFormed, batchFormedEntry{name, h})
	}
	if h, ok := e.(BatchDispatched); ok {
		r.batchDispatched = append(r.batchDispatched, batchDispatchedEntry{name, h})
	}
	if h, ok := e.(BatchFallback); ok {
		r.batchFallback = append(r.batchFallback, batchFallbackEntry{name, h})
	}
	if h, ok := e.(ThreadingTransition); ok {
		r.threadingTransition = append(r.threadingTransition, threadingTransitionEntry{name, h})
	}
	if h, ok := e.(BufferPressure); ok {
		r.bufferPressure = append(r.bufferPressure, bufferPressureEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobQueued notifies all extensions that implement JobQueued.
func (r *Registry) EmitJobQueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobQueued {
		if err := e.hook.OnJobQueued(ctx, j); err != nil {
			r.logHookError("OnJobQueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobDeadLettered notifies all extensions that implement JobDeadLettered.
func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobDeadLettered {
		if err := e.hook.OnJobDeadLettered(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobDeadLettered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Batch event emitters
// ──────────────────────────────────────────────────

// EmitBatchFormed notifies all extensions that implement BatchFormed.
func (r *Registry) EmitBatchFormed(ctx context.Context, b *batch.Batch) {
	for _, e := range r.batchFormed {
		if err := e.hook.OnBatchFormed(ctx, b); err != nil {
			r.logHookError("OnBatchFormed", e.name, err)
		}
	}
}

// EmitBatchDispatched notifies all extensions that implement BatchDispatched.
func (r *Registry) EmitBatchDispatched(ctx context.Context, b *batch.Batch, elapsed time.Duration) {
	for _, e := range r.batchDispatched {
		if err := e.hook.OnBatchDispatched(ctx, b, elapsed); err != nil {
			r.logHookError("OnBatchDispatched", e.name, err)
		}
	}
}

// EmitBatchFallback notifies all extensions that implement BatchFallback.
func (r *Registry) EmitBatchFallback(ctx context.Context, b *batch.Batch, batchErr error) {
	for _, e := range r.batchFallback {
		if err := e.hook.OnBatchFallback(ctx, b, batchErr); err != nil {
			r.logHookError("OnBatchFallback", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Resource event emitters
// ──────────────────────────────────────────────────

// EmitThreadingTransition notifies all extensions that implement ThreadingTransition.
func (r *Registry) EmitThreadingTransition(ctx context.Context, from, to threading.Phase) {
	for _, e := range r.threadingTransition {
		if err := e.hook.OnThreadingTransition(ctx, from, to); err != nil {
			r.logHookError("OnThreadingTransition", e.name, err)
		}
	}
}

// EmitBufferPressure notifies all extensions that implement BufferPressure.
func (r *Registry) EmitBufferPressure(ctx context.Context, stats bufpool.Stats) {
	for _, e := range r.bufferPressure {
		if err := e.hook.OnBufferPressure(ctx, stats); err != nil {
			r.logHookError("OnBufferPressure", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
