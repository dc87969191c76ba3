package job

import (
	"context"
	"errors"
	"time"

	"github.com/vectral/conductor/id"
)

// Store errors.
var (
	// ErrNotFound is returned when a job ID is unknown.
	ErrNotFound = errors.New("job: not found")
	// ErrAlreadyExists is returned when inserting a duplicate job ID.
	ErrAlreadyExists = errors.New("job: already exists")
)

// Store is the session-scoped bookkeeping contract for jobs. There is no
// durable backend; the only implementation keeps everything in memory.
type Store interface {
	// Put inserts a new job.
	Put(ctx context.Context, j *Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// Update persists changes to an existing job.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job by ID.
	Delete(ctx context.Context, jobID id.JobID) error

	// ListByState returns jobs in the given state, oldest first.
	ListByState(ctx context.Context, state State) ([]*Job, error)

	// Count returns the number of jobs in the given state. An empty
	// state counts all jobs.
	Count(ctx context.Context, state State) (int, error)

	// DeleteTerminalBefore removes terminal jobs whose completion is
	// older than cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
