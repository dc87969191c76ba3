package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/ext"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/threading"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobQueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobQueued")
	return nil
}

func (e *allHooksExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobStarted")
	return nil
}

func (e *allHooksExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnJobRetrying")
	return nil
}

func (e *allHooksExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCancelled")
	return nil
}

func (e *allHooksExt) OnJobDeadLettered(_ context.Context, _ *job.Job, _ error) error {
	e.calls = append(e.calls, "OnJobDeadLettered")
	return nil
}

func (e *allHooksExt) OnBatchFormed(_ context.Context, _ *batch.Batch) error {
	e.calls = append(e.calls, "OnBatchFormed")
	return nil
}

func (e *allHooksExt) OnBatchDispatched(_ context.Context, _ *batch.Batch, _ time.Duration) error {
	e.calls = append(e.calls, "OnBatchDispatched")
	return nil
}

func (e *allHooksExt) OnBatchFallback(_ context.Context, _ *batch.Batch, _ error) error {
	e.calls = append(e.calls, "OnBatchFallback")
	return nil
}

func (e *allHooksExt) OnThreadingTransition(_ context.Context, _, _ threading.Phase) error {
	e.calls = append(e.calls, "OnThreadingTransition")
	return nil
}

func (e *allHooksExt) OnBufferPressure(_ context.Context, _ bufpool.Stats) error {
	e.calls = append(e.calls, "OnBufferPressure")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// jobOnlyExt only implements job-related hooks.
type jobOnlyExt struct {
	calls []string
}

func (e *jobOnlyExt) Name() string { return "job-only" }

func (e *jobOnlyExt) OnJobQueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobQueued")
	return nil
}

func (e *jobOnlyExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobQueued(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func newTestJob() *job.Job {
	return &job.Job{ID: id.NewJobID()}
}

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	jo := &jobOnlyExt{}
	r.Register(all)
	r.Register(jo)

	ctx := context.Background()
	j := newTestJob()

	// Both implement OnJobQueued → both called.
	r.EmitJobQueued(ctx, j)
	if len(all.calls) != 1 || all.calls[0] != "OnJobQueued" {
		t.Fatalf("all: expected [OnJobQueued], got %v", all.calls)
	}
	if len(jo.calls) != 1 || jo.calls[0] != "OnJobQueued" {
		t.Fatalf("jo: expected [OnJobQueued], got %v", jo.calls)
	}

	// Only all implements OnJobStarted → jo not called.
	r.EmitJobStarted(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobStarted" {
		t.Fatalf("all: expected OnJobStarted as 2nd, got %v", all.calls)
	}
	if len(jo.calls) != 1 {
		t.Fatalf("jo: should still have 1 call, got %v", jo.calls)
	}
}

func TestRegistry_AllJobHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := newTestJob()

	r.EmitJobQueued(ctx, j)
	r.EmitJobStarted(ctx, j)
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("fail"))
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCancelled(ctx, j)
	r.EmitJobDeadLettered(ctx, j, errors.New("dead"))

	expected := []string{
		"OnJobQueued", "OnJobStarted", "OnJobCompleted",
		"OnJobFailed", "OnJobRetrying", "OnJobCancelled", "OnJobDeadLettered",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_BatchAndResourceHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	b := &batch.Batch{ID: id.NewBatchID()}

	r.EmitBatchFormed(ctx, b)
	r.EmitBatchDispatched(ctx, b, time.Second)
	r.EmitBatchFallback(ctx, b, errors.New("batch fail"))
	r.EmitThreadingTransition(ctx, threading.PhaseInitializing, threading.PhaseReady)
	r.EmitBufferPressure(ctx, bufpool.Stats{InUse: 3})
	r.EmitShutdown(ctx)

	expected := []string{
		"OnBatchFormed", "OnBatchDispatched", "OnBatchFallback",
		"OnThreadingTransition", "OnBufferPressure", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	failing := &failingExt{}
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()

	// No panic, no error propagation. allHooksExt should still fire.
	r.EmitJobQueued(ctx, newTestJob())

	if len(all.calls) != 1 || all.calls[0] != "OnJobQueued" {
		t.Fatalf("all: expected [OnJobQueued] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()

	// None of these should panic or error.
	r.EmitJobQueued(ctx, &job.Job{})
	r.EmitJobStarted(ctx, &job.Job{})
	r.EmitJobCompleted(ctx, &job.Job{}, time.Second)
	r.EmitJobFailed(ctx, &job.Job{}, errors.New("x"))
	r.EmitJobRetrying(ctx, &job.Job{}, 1, time.Now())
	r.EmitJobCancelled(ctx, &job.Job{})
	r.EmitJobDeadLettered(ctx, &job.Job{}, errors.New("x"))
	r.EmitBatchFormed(ctx, &batch.Batch{})
	r.EmitBatchDispatched(ctx, &batch.Batch{}, time.Second)
	r.EmitBatchFallback(ctx, &batch.Batch{}, errors.New("x"))
	r.EmitThreadingTransition(ctx, threading.PhaseUninitialized, threading.PhaseInitializing)
	r.EmitBufferPressure(ctx, bufpool.Stats{})
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ext1 := &allHooksExt{}
	ext2 := &allHooksExt{}
	r.Register(ext1)
	r.Register(ext2)

	ctx := context.Background()
	r.EmitJobQueued(ctx, &job.Job{})

	// Both should be called.
	if len(ext1.calls) != 1 {
		t.Errorf("ext1: expected 1 call, got %d", len(ext1.calls))
	}
	if len(ext2.calls) != 1 {
		t.Errorf("ext2: expected 1 call, got %d", len(ext2.calls))
	}
}
