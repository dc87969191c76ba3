// Package computetest provides a deterministic in-memory fake of the
// compute module for tests.
package computetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vectral/conductor/compute"
)

// Fake is a scriptable compute.Module. The zero value succeeds on every
// call. Failure behavior is controlled per entry point; counters record
// what was called.
type Fake struct {
	mu sync.Mutex

	// LoadErr, if set, is returned by Load.
	LoadErr error

	// ActivateErr, if set, is returned by ActivateThreads.
	ActivateErr error

	// ActivateDelay delays ActivateThreads before returning, simulating
	// the module's async pool initialization.
	ActivateDelay time.Duration

	// FailOneTimes makes the next n ProcessOne calls fail.
	FailOneTimes int

	// FailBatchTimes makes the next n ProcessBatch calls fail.
	FailBatchTimes int

	// ProcessDelay delays each ProcessOne/ProcessBatch call.
	ProcessDelay time.Duration

	// Supported mirrors ThreadingSupported. Defaults to true via
	// NewFake; the zero value reports false.
	Supported bool

	threads    int
	oneCalls   int
	batchCalls int
}

var _ compute.Module = (*Fake)(nil)

// NewFake returns a Fake that supports threading and succeeds everywhere.
func NewFake() *Fake {
	return &Fake{Supported: true}
}

// Load implements compute.Module.
func (f *Fake) Load(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoadErr
}

// ActivateThreads implements compute.Module.
func (f *Fake) ActivateThreads(ctx context.Context, n int) error {
	f.mu.Lock()
	delay := f.ActivateDelay
	activateErr := f.ActivateErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if activateErr != nil {
		return activateErr
	}

	f.mu.Lock()
	f.threads = n
	f.mu.Unlock()
	return nil
}

// ProcessOne implements compute.Module.
func (f *Fake) ProcessOne(ctx context.Context, in compute.Input, progress compute.ProgressFunc) (*compute.Result, error) {
	f.mu.Lock()
	f.oneCalls++
	shouldFail := f.FailOneTimes > 0
	if shouldFail {
		f.FailOneTimes--
	}
	delay := f.ProcessDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if shouldFail {
		return nil, fmt.Errorf("computetest: scripted ProcessOne failure")
	}

	if progress != nil {
		progress(0.5)
		progress(1.0)
	}

	return f.result(in), nil
}

// ProcessBatch implements compute.Module.
func (f *Fake) ProcessBatch(ctx context.Context, inputs []compute.Input) ([]*compute.Result, error) {
	f.mu.Lock()
	f.batchCalls++
	shouldFail := f.FailBatchTimes > 0
	if shouldFail {
		f.FailBatchTimes--
	}
	delay := f.ProcessDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if shouldFail {
		return nil, fmt.Errorf("computetest: scripted ProcessBatch failure")
	}

	results := make([]*compute.Result, len(inputs))
	for i, in := range inputs {
		results[i] = f.result(in)
	}
	return results, nil
}

// ThreadingSupported implements compute.Module.
func (f *Fake) ThreadingSupported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Supported
}

// ThreadCount implements compute.Module.
func (f *Fake) ThreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threads == 0 {
		return 1
	}
	return f.threads
}

// OneCalls returns how many times ProcessOne was invoked.
func (f *Fake) OneCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oneCalls
}

// BatchCalls returns how many times ProcessBatch was invoked.
func (f *Fake) BatchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func (f *Fake) result(in compute.Input) *compute.Result {
	return &compute.Result{
		SVG:       fmt.Sprintf(`<svg width="%d" height="%d"/>`, in.Width, in.Height),
		Width:     in.Width,
		Height:    in.Height,
		PathCount: 1,
	}
}
