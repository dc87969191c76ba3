// Package memory provides the in-memory job store. It is the only store
// backend: the coordinator is session-scoped and persists nothing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
)

var _ job.Store = (*Store)(nil)

// Store is a mutex-guarded map of jobs. Safe for concurrent access.
// Reads and writes copy the job record so callers can mutate their copy
// without racing the store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Put inserts a new job.
func (m *Store) Put(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return job.ErrAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, job.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// Update persists changes to an existing job.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return job.ErrNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// Delete removes a job by ID.
func (m *Store) Delete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return job.ErrNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListByState returns jobs in the given state, oldest first.
func (m *Store) ListByState(_ context.Context, state job.State) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// Count returns the number of jobs in the given state; empty counts all.
func (m *Store) Count(_ context.Context, state job.State) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state == "" {
		return len(m.jobs), nil
	}
	n := 0
	for _, j := range m.jobs {
		if j.State == state {
			n++
		}
	}
	return n, nil
}

// DeleteTerminalBefore removes terminal jobs completed before cutoff.
func (m *Store) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		doneAt := j.UpdatedAt
		if j.CompletedAt != nil {
			doneAt = *j.CompletedAt
		}
		if doneAt.Before(cutoff) {
			delete(m.jobs, key)
			removed++
		}
	}
	return removed, nil
}
