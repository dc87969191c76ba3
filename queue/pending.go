package queue

import (
	"sync"
	"time"

	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
)

// Pending is the priority FIFO of jobs awaiting dispatch.
// Safe for concurrent use.
type Pending struct {
	mu    sync.Mutex
	tiers [3][]*job.Job // indexed by job.Priority
}

// NewPending creates an empty Pending queue.
func NewPending() *Pending {
	return &Pending{}
}

// Push appends a job to the tail of its priority tier.
func (p *Pending) Push(j *job.Job) {
	p.mu.Lock()
	p.tiers[tierIndex(j.Priority)] = append(p.tiers[tierIndex(j.Priority)], j)
	p.mu.Unlock()
}

// Requeue returns a popped job to the head of its tier, preserving its
// FIFO position for the next dispatch pass.
func (p *Pending) Requeue(j *job.Job) {
	p.mu.Lock()
	idx := tierIndex(j.Priority)
	p.tiers[idx] = append([]*job.Job{j}, p.tiers[idx]...)
	p.mu.Unlock()
}

// Pop removes and returns the next eligible job: highest tier first, FIFO
// within a tier, skipping jobs whose RunAt is still in the future.
// Returns nil when no job is eligible.
func (p *Pending) Pop(now time.Time) *job.Job {
	return p.PopWhere(now, func(job.Priority) bool { return true })
}

// PopWhere is Pop restricted to tiers accepted by keep, letting the
// dispatch loop skip tiers it already knows are saturated.
func (p *Pending) PopWhere(now time.Time, keep func(job.Priority) bool) *job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tier := len(p.tiers) - 1; tier >= 0; tier-- {
		if !keep(job.Priority(tier)) {
			continue
		}
		for i, j := range p.tiers[tier] {
			if j.RunAt.After(now) {
				continue
			}
			p.tiers[tier] = append(p.tiers[tier][:i], p.tiers[tier][i+1:]...)
			return j
		}
	}
	return nil
}

// Drain removes and returns every queued job, highest tier first,
// regardless of RunAt. Used on shutdown.
func (p *Pending) Drain() []*job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*job.Job
	for tier := len(p.tiers) - 1; tier >= 0; tier-- {
		out = append(out, p.tiers[tier]...)
		p.tiers[tier] = nil
	}
	return out
}

// Remove deletes a job by ID from whatever tier holds it.
// Returns the removed job, or nil if not queued.
func (p *Pending) Remove(jobID id.JobID) *job.Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := jobID.String()
	for tier := range p.tiers {
		for i, j := range p.tiers[tier] {
			if j.ID.String() == key {
				p.tiers[tier] = append(p.tiers[tier][:i], p.tiers[tier][i+1:]...)
				return j
			}
		}
	}
	return nil
}

// Len returns the total number of queued jobs across all tiers.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, tier := range p.tiers {
		n += len(tier)
	}
	return n
}

func tierIndex(p job.Priority) int {
	if p < job.PriorityLow || p > job.PriorityHigh {
		return int(job.PriorityNormal)
	}
	return int(p)
}
