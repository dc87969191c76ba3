package conductor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	conductor "github.com/vectral/conductor"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/capability"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/compute/computetest"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/mempolicy"
	"github.com/vectral/conductor/telemetry"
	"github.com/vectral/conductor/threading"
)

func staticProbe(r capability.Readings) capability.Probe {
	return capability.ProbeFunc(func(context.Context) (capability.Readings, error) {
		return r, nil
	})
}

func desktopReadings() capability.Readings {
	return capability.Readings{
		CrossOriginIsolated: true,
		SharedMemory:        true,
		HardwareConcurrency: 8,
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) Chrome/126.0",
	}
}

func fastConfig() conductor.Config {
	cfg := conductor.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MaxBatchSize = 1
	cfg.MinBatchSize = 1
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	return cfg
}

func startCoordinator(t *testing.T, opts ...conductor.Option) *conductor.Coordinator {
	t.Helper()
	c, err := conductor.New(computetest.NewFake(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func waitForJobState(t *testing.T, c *conductor.Coordinator, jobID id.JobID, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := c.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State == want {
			return got
		}
		if got.State.Terminal() {
			t.Fatalf("state = %q, want %q", got.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q", want)
	return nil
}

func TestNew_RequiresModule(t *testing.T) {
	if _, err := conductor.New(nil); !errors.Is(err, conductor.ErrNoModule) {
		t.Fatalf("err = %v, want ErrNoModule", err)
	}
}

func TestCoordinator_StartClassifiesAndProvisions(t *testing.T) {
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(fastConfig()),
	)

	report := c.Capabilities()
	if report.DeviceClass != capability.DeviceDesktop {
		t.Errorf("device class = %q, want desktop", report.DeviceClass)
	}
	if !report.ThreadingSupported() {
		t.Errorf("threading unsupported: missing %v", report.MissingRequirements)
	}

	policy := c.MemoryPolicy()
	if got, want := policy.MaxBytes(), int64(2048<<20); got != want {
		t.Errorf("memory ceiling = %d, want %d", got, want)
	}
	if !policy.Shared {
		t.Error("expected shared memory for an isolated desktop environment")
	}
}

func TestCoordinator_StartNeverActivatesThreading(t *testing.T) {
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(fastConfig()),
	)

	if phase := c.Threading().Phase(); phase != threading.PhaseUninitialized {
		t.Errorf("phase after start = %q, want uninitialized", phase)
	}
	if n := c.Threading().EffectiveThreadCount(); n != 1 {
		t.Errorf("effective threads = %d, want 1 before activation", n)
	}
}

func TestCoordinator_SubmitBeforeStart(t *testing.T) {
	c, err := conductor.New(computetest.NewFake())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Submit(context.Background(), []byte{1}, 1, 1, bufpool.LayoutGray,
		compute.Config{Backend: compute.BackendEdge})
	if !errors.Is(err, conductor.ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestCoordinator_SubmitToCompletionWithEvents(t *testing.T) {
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(fastConfig()),
	)

	events, cancel := c.Events().Subscribe(32)
	defer cancel()

	j, err := c.Submit(context.Background(), []byte{1, 2, 3, 4}, 2, 2, bufpool.LayoutGray,
		compute.Config{Backend: compute.BackendEdge, Detail: 0.5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForJobState(t, c, j.ID, job.StateCompleted)
	if got.Result == nil || got.Result.SVG == "" {
		t.Fatal("completed job carries no SVG result")
	}

	seen := map[telemetry.Kind]bool{}
	timeout := time.After(time.Second)
	for !(seen[telemetry.KindJobQueued] && seen[telemetry.KindJobCompleted]) {
		select {
		case evt := <-events:
			seen[evt.Kind] = true
		case <-timeout:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}

func TestCoordinator_ActivateThreadingClampsRequest(t *testing.T) {
	readings := desktopReadings()
	readings.HardwareConcurrency = 4
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(readings)),
		conductor.WithConfig(fastConfig()),
	)

	// Four cores: one is reserved for the host, so six requested
	// threads clamp to three.
	effective, err := c.ActivateThreading(context.Background(), 6)
	if err != nil {
		t.Fatalf("ActivateThreading: %v", err)
	}
	if effective != 3 {
		t.Fatalf("effective = %d, want 3", effective)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !c.Threading().IsReady() {
		time.Sleep(2 * time.Millisecond)
	}
	if !c.Threading().IsReady() {
		t.Fatalf("controller never became ready, phase %q", c.Threading().Phase())
	}
	if n := c.Threading().EffectiveThreadCount(); n != 3 {
		t.Errorf("effective threads = %d, want 3", n)
	}
}

func TestCoordinator_ActivateThreadingUnsupportedEnvironment(t *testing.T) {
	readings := desktopReadings()
	readings.SharedMemory = false
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(readings)),
		conductor.WithConfig(fastConfig()),
	)

	_, err := c.ActivateThreading(context.Background(), 0)
	if !errors.Is(err, conductor.ErrThreadingUnsupported) {
		t.Fatalf("err = %v, want ErrThreadingUnsupported", err)
	}
}

func TestCoordinator_MemoryCascadeDegrades(t *testing.T) {
	// Refuse anything above the 256 MiB rung.
	alloc := mempolicy.AllocatorFunc(func(_ context.Context, p mempolicy.Policy) error {
		if p.MaxBytes() > 256<<20 {
			return errors.New("allocation refused")
		}
		return nil
	})

	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithAllocator(alloc),
		conductor.WithConfig(fastConfig()),
	)

	policy := c.MemoryPolicy()
	if got, want := policy.MaxBytes(), int64(256<<20); got != want {
		t.Errorf("ceiling = %d, want %d after cascade", got, want)
	}
	if policy.Shared {
		t.Error("fallback rungs must not be shared")
	}
}

func TestCoordinator_CancelQueuedJob(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBatchSize = 10
	cfg.MinBatchSize = 10
	cfg.BatchTimeout = time.Hour
	cfg.BatchMaxWait = time.Hour
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(cfg),
	)

	j, err := c.Submit(context.Background(), []byte{1, 2, 3, 4}, 2, 2, bufpool.LayoutGray,
		compute.Config{Backend: compute.BackendEdge})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := c.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("state = %q, want cancelled", got.State)
	}
}

func TestCoordinator_DeadLetterRequeue(t *testing.T) {
	fake := computetest.NewFake()
	fake.FailBatchTimes = 1
	fake.FailOneTimes = 1

	cfg := fastConfig()
	cfg.BreakerThreshold = 100
	c, err := conductor.New(fake,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(cfg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})

	j, err := c.Submit(context.Background(), []byte{1, 2, 3, 4}, 2, 2, bufpool.LayoutGray,
		compute.Config{Backend: compute.BackendEdge}, job.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForJobState(t, c, j.ID, job.StateFailed)
	entries := c.DeadLetters().List(0)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}

	// The module has recovered; a requeued entry runs to completion.
	requeued, err := c.DeadLetters().Requeue(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got := waitForJobState(t, c, requeued.ID, job.StateCompleted)
	if got.Result == nil || got.Result.SVG == "" {
		t.Fatal("requeued job carries no result")
	}
}

func TestCoordinator_StartTwice(t *testing.T) {
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(fastConfig()),
	)
	if err := c.Start(context.Background()); !errors.Is(err, conductor.ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestCoordinator_GetUnknownJob(t *testing.T) {
	c := startCoordinator(t,
		conductor.WithProbe(staticProbe(desktopReadings())),
		conductor.WithConfig(fastConfig()),
	)
	_, err := c.GetJob(context.Background(), id.NewJobID())
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("err = %v, want job.ErrNotFound", err)
	}
}
