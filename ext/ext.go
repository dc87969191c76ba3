package ext

import (
	"context"
	"time"

	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/threading"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobQueued is called after a job is accepted and queued.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when dispatch of a job to the compute module begins.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job is cancelled, whether it was still
// queued or already being processed.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobDeadLettered is called when a terminally failed job is captured
// for later inspection or requeue.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchFormed is called when the optimizer closes a batch and hands it
// to the scheduler.
type BatchFormed interface {
	OnBatchFormed(ctx context.Context, b *batch.Batch) error
}

// BatchDispatched is called after a batch dispatch completes successfully.
type BatchDispatched interface {
	OnBatchDispatched(ctx context.Context, b *batch.Batch, elapsed time.Duration) error
}

// BatchFallback is called when a batch dispatch fails and its jobs are
// re-dispatched individually.
type BatchFallback interface {
	OnBatchFallback(ctx context.Context, b *batch.Batch, err error) error
}

// ──────────────────────────────────────────────────
// Resource hooks
// ──────────────────────────────────────────────────

// ThreadingTransition is called on every threading phase change.
type ThreadingTransition interface {
	OnThreadingTransition(ctx context.Context, from, to threading.Phase) error
}

// BufferPressure is called when the buffer pool crosses its soft
// memory limit.
type BufferPressure interface {
	OnBufferPressure(ctx context.Context, stats bufpool.Stats) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
