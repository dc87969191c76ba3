package queue_test

import (
	"testing"
	"time"

	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/queue"
)

func queuedJob(p job.Priority) *job.Job {
	return &job.Job{ID: id.NewJobID(), Priority: p, State: job.StateQueued}
}

func TestPending_PriorityAcrossTiers(t *testing.T) {
	p := queue.NewPending()

	low := queuedJob(job.PriorityLow)
	normal := queuedJob(job.PriorityNormal)
	high := queuedJob(job.PriorityHigh)

	p.Push(low)
	p.Push(normal)
	p.Push(high)

	now := time.Now()
	wantOrder := []*job.Job{high, normal, low}
	for i, want := range wantOrder {
		got := p.Pop(now)
		if got == nil || got.ID.String() != want.ID.String() {
			t.Fatalf("pop %d = %v, want %s priority %s", i, got, want.ID, want.Priority)
		}
	}
	if p.Pop(now) != nil {
		t.Error("Pop on empty queue should return nil")
	}
}

func TestPending_FIFOWithinTier(t *testing.T) {
	p := queue.NewPending()

	var pushed []string
	for range 5 {
		j := queuedJob(job.PriorityNormal)
		pushed = append(pushed, j.ID.String())
		p.Push(j)
	}

	now := time.Now()
	for i, want := range pushed {
		if got := p.Pop(now); got.ID.String() != want {
			t.Fatalf("pop %d = %s, want %s", i, got.ID, want)
		}
	}
}

func TestPending_FutureRunAtSkipped(t *testing.T) {
	p := queue.NewPending()

	delayed := queuedJob(job.PriorityHigh)
	delayed.RunAt = time.Now().Add(time.Hour)
	ready := queuedJob(job.PriorityLow)

	p.Push(delayed)
	p.Push(ready)

	// The delayed high-priority job must not block the ready low one.
	got := p.Pop(time.Now())
	if got == nil || got.ID.String() != ready.ID.String() {
		t.Fatalf("Pop = %v, want the ready low-priority job", got)
	}

	// Once its time arrives, the delayed job dispatches.
	got = p.Pop(time.Now().Add(2 * time.Hour))
	if got == nil || got.ID.String() != delayed.ID.String() {
		t.Fatalf("Pop = %v, want the delayed job after RunAt", got)
	}
}

func TestPending_Remove(t *testing.T) {
	p := queue.NewPending()

	j := queuedJob(job.PriorityNormal)
	p.Push(j)

	if got := p.Remove(j.ID); got == nil {
		t.Fatal("Remove returned nil for a queued job")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after Remove, want 0", p.Len())
	}
	if got := p.Remove(j.ID); got != nil {
		t.Error("Remove of an absent job should return nil")
	}
}

func TestPending_RequeueKeepsPosition(t *testing.T) {
	p := queue.NewPending()

	first := queuedJob(job.PriorityNormal)
	second := queuedJob(job.PriorityNormal)
	p.Push(first)
	p.Push(second)

	now := time.Now()
	popped := p.Pop(now)
	if popped.ID.String() != first.ID.String() {
		t.Fatalf("Pop = %s, want %s", popped.ID, first.ID)
	}

	// A job the dispatcher could not place goes back to the head of its
	// tier, not the tail.
	p.Requeue(popped)
	if got := p.Pop(now); got.ID.String() != first.ID.String() {
		t.Errorf("Pop after Requeue = %s, want %s at the head", got.ID, first.ID)
	}
}

func TestPending_PopWhereSkipsTiers(t *testing.T) {
	p := queue.NewPending()

	high := queuedJob(job.PriorityHigh)
	normal := queuedJob(job.PriorityNormal)
	p.Push(high)
	p.Push(normal)

	got := p.PopWhere(time.Now(), func(tier job.Priority) bool {
		return tier != job.PriorityHigh
	})
	if got == nil || got.ID.String() != normal.ID.String() {
		t.Fatalf("PopWhere = %v, want the normal job with high skipped", got)
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want the skipped high job retained", p.Len())
	}
}

func TestPending_Drain(t *testing.T) {
	p := queue.NewPending()

	delayed := queuedJob(job.PriorityNormal)
	delayed.RunAt = time.Now().Add(time.Hour)
	high := queuedJob(job.PriorityHigh)
	p.Push(delayed)
	p.Push(high)

	drained := p.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d jobs, want 2 including the future RunAt", len(drained))
	}
	if drained[0].ID.String() != high.ID.String() {
		t.Errorf("Drain[0] = %s, want the high tier first", drained[0].ID)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after Drain, want 0", p.Len())
	}
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	m := queue.NewManager(queue.TierConfig{Tier: job.PriorityLow, MaxConcurrency: 2})

	if !m.Acquire(job.PriorityLow) || !m.Acquire(job.PriorityLow) {
		t.Fatal("first two acquires should succeed")
	}
	if m.Acquire(job.PriorityLow) {
		t.Fatal("third acquire should hit the tier limit")
	}

	m.Release(job.PriorityLow)
	if !m.Acquire(job.PriorityLow) {
		t.Fatal("acquire after release should succeed")
	}
	if got := m.ActiveCount(job.PriorityLow); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
}

func TestManager_UnconfiguredTierUnlimited(t *testing.T) {
	m := queue.NewManager()
	for range 100 {
		if !m.Acquire(job.PriorityHigh) {
			t.Fatal("unconfigured tier should never limit")
		}
	}
}

func TestManager_RateLimit(t *testing.T) {
	m := queue.NewManager(queue.TierConfig{Tier: job.PriorityNormal, RateLimit: 1, RateBurst: 2})

	allowed := 0
	for range 10 {
		if m.Acquire(job.PriorityNormal) {
			allowed++
		}
	}
	// Token bucket starts with the burst; everything past it is limited.
	if allowed != 2 {
		t.Errorf("allowed = %d immediate dispatches, want burst of 2", allowed)
	}
}
