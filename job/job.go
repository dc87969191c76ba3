package job

import (
	"time"

	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting for dispatch.
	StateQueued State = "queued"
	// StateProcessing means the job is in flight against the compute module.
	StateProcessing State = "processing"
	// StateRetrying means the job failed and is waiting out its backoff
	// delay before re-entering the queue.
	StateRetrying State = "retrying"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled by the caller.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Priority determines dispatch ordering across tiers. Within a tier,
// dispatch is FIFO.
type Priority int

const (
	// PriorityLow is dispatched only when no higher tier has work.
	PriorityLow Priority = iota
	// PriorityNormal is the default tier.
	PriorityNormal
	// PriorityHigh preempts both other tiers.
	PriorityHigh
)

// String returns the tier name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Job is one vectorization request flowing through the scheduler.
type Job struct {
	ID       id.JobID        `json:"id"`
	Config   compute.Config  `json:"config"`
	Priority Priority        `json:"priority"`
	State    State           `json:"state"`

	// Buffer is the pooled pixel buffer holding the source image. Owned
	// by the job from submission until a terminal state.
	Buffer *bufpool.Buffer `json:"-"`

	MaxRetries int     `json:"max_retries"`
	RetryCount int     `json:"retry_count"`
	Progress   float64 `json:"progress"`
	LastError  string  `json:"last_error,omitempty"`

	Result *compute.Result `json:"-"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	RunAt       time.Time     `json:"run_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
