package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	mw "github.com/vectral/conductor/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:         id.NewJobID(),
		Config:     compute.Config{Backend: compute.BackendEdge, Detail: 0.5},
		Priority:   job.PriorityNormal,
		RetryCount: 2,
	}
}

func TestChain_OrderIsOutsideIn(t *testing.T) {
	var order []string
	tag := func(name string) mw.Middleware {
		return func(ctx context.Context, _ *job.Job, next mw.Handler) error {
			order = append(order, name+"-before")
			err := next(ctx)
			order = append(order, name+"-after")
			return err
		}
	}

	chain := mw.Chain(tag("outer"), tag("inner"))
	err := chain(context.Background(), newTestJob(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := mw.Chain()
	called := false
	err := chain(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("empty chain: called=%v err=%v", called, err)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	m := mw.Recover(slog.Default())

	err := m(context.Background(), newTestJob(), func(_ context.Context) error {
		panic("compute module exploded")
	})
	if err == nil {
		t.Fatal("panic was not converted to an error")
	}
}

func TestRecover_PassesThroughErrors(t *testing.T) {
	m := mw.Recover(slog.Default())
	want := errors.New("ordinary failure")

	err := m(context.Background(), newTestJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestTimeout_EnforcesDeadline(t *testing.T) {
	m := mw.Timeout(slog.Default())
	j := newTestJob()
	j.Timeout = 20 * time.Millisecond

	err := m(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroMeansNoDeadline(t *testing.T) {
	m := mw.Timeout(slog.Default())
	j := newTestJob()

	err := m(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("deadline set for a job without Timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
