// Package deadletter captures terminally failed jobs for inspection
// and requeue. Entries are held in a capped in-memory list; when the
// cap is reached the oldest entry is dropped.
package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
)

// ErrEntryNotFound is returned when a dead-letter entry does not exist.
var ErrEntryNotFound = errors.New("deadletter: entry not found")

// ErrNoSubmitter is returned by Requeue when the service has not been
// bound to a dispatch pipeline.
var ErrNoSubmitter = errors.New("deadletter: no submitter bound")

// DefaultCapacity bounds the number of retained entries.
const DefaultCapacity = 64

// Submitter resubmits an input into the dispatch pipeline. Satisfied by
// the scheduler.
type Submitter interface {
	Submit(ctx context.Context, pixels []byte, width, height int, layout bufpool.Layout, cfg compute.Config, opts ...job.Option) (*job.Job, error)
}

// Entry represents a job that exhausted its retry budget and was moved
// to the dead-letter list for inspection or requeue. It carries a copy
// of the source pixels so the work can be resubmitted after the pooled
// buffer is gone.
type Entry struct {
	ID         id.DeadLetterID
	JobID      id.JobID
	Config     compute.Config
	Priority   job.Priority
	Pixels     []byte
	Width      int
	Height     int
	Layout     bufpool.Layout
	Error      string
	RetryCount int
	MaxRetries int
	FailedAt   time.Time
	RequeuedAt *time.Time
	CreatedAt  time.Time
}

// Service provides dead-letter capture and requeue.
type Service struct {
	capacity int

	mu      sync.Mutex
	submit  Submitter
	entries []*Entry
}

// NewService creates a dead-letter service. A capacity of 0 or less
// uses DefaultCapacity. Bind a Submitter before calling Requeue.
func NewService(capacity int) *Service {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Service{capacity: capacity}
}

// Bind sets the pipeline that Requeue resubmits entries into.
func (s *Service) Bind(sub Submitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submit = sub
}

// Push builds an Entry from a terminally failed job and retains it. The
// job's pixel buffer, if still attached, is copied into the entry.
func (s *Service) Push(_ context.Context, j *job.Job, jobErr error) *Entry {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         id.NewDeadLetterID(),
		JobID:      j.ID,
		Config:     j.Config,
		Priority:   j.Priority,
		Error:      jobErr.Error(),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if j.Buffer != nil {
		entry.Pixels = make([]byte, len(j.Buffer.Data))
		copy(entry.Pixels, j.Buffer.Data)
		entry.Width = j.Buffer.Width
		entry.Height = j.Buffer.Height
		entry.Layout = j.Buffer.Layout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
	return entry
}

// List returns up to limit entries, oldest first. A limit of 0 or less
// returns all entries.
func (s *Service) List(limit int) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, n)
	copy(out, s.entries[:n])
	return out
}

// Get returns the entry with the given ID.
func (s *Service) Get(entryID id.DeadLetterID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return nil, ErrEntryNotFound
}

// Requeue resubmits a dead-letter entry into the bound pipeline as a
// fresh job with a reset retry count, and marks the entry as requeued.
func (s *Service) Requeue(ctx context.Context, entryID id.DeadLetterID) (*job.Job, error) {
	s.mu.Lock()
	sub := s.submit
	var entry *Entry
	for _, e := range s.entries {
		if e.ID == entryID {
			entry = e
			break
		}
	}
	s.mu.Unlock()

	if entry == nil {
		return nil, ErrEntryNotFound
	}
	if sub == nil {
		return nil, ErrNoSubmitter
	}

	j, err := sub.Submit(ctx, entry.Pixels, entry.Width, entry.Height, entry.Layout,
		entry.Config,
		job.WithPriority(entry.Priority),
		job.WithMaxRetries(entry.MaxRetries),
	)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	entry.RequeuedAt = &now
	s.mu.Unlock()

	return j, nil
}

// Count reports the number of retained entries.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Purge removes all retained entries.
func (s *Service) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
