package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/bufpool"
	"github.com/vectral/conductor/job"
	"github.com/vectral/conductor/threading"
)

// Extension adapts lifecycle hooks onto the telemetry Bus so any
// subscriber sees the full job, batch, and resource event stream.
type Extension struct {
	bus *Bus
}

// NewExtension creates a telemetry extension publishing to bus.
func NewExtension(bus *Bus) *Extension {
	return &Extension{bus: bus}
}

// Bus returns the underlying bus.
func (e *Extension) Bus() *Bus { return e.bus }

func (e *Extension) Name() string { return "telemetry" }

func (e *Extension) OnJobQueued(_ context.Context, j *job.Job) error {
	e.bus.Publish(Event{Kind: KindJobQueued, JobID: j.ID})
	return nil
}

func (e *Extension) OnJobStarted(_ context.Context, j *job.Job) error {
	e.bus.Publish(Event{Kind: KindJobStarted, JobID: j.ID})
	return nil
}

func (e *Extension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	e.bus.Publish(Event{Kind: KindJobCompleted, JobID: j.ID, Elapsed: elapsed})
	return nil
}

func (e *Extension) OnJobFailed(_ context.Context, j *job.Job, err error) error {
	e.bus.Publish(Event{Kind: KindJobFailed, JobID: j.ID, Error: err.Error()})
	return nil
}

func (e *Extension) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	e.bus.Publish(Event{
		Kind:  KindJobRetrying,
		JobID: j.ID,
		Fields: map[string]string{
			"attempt":     strconv.Itoa(attempt),
			"next_run_at": nextRunAt.UTC().Format(time.RFC3339Nano),
		},
	})
	return nil
}

func (e *Extension) OnJobCancelled(_ context.Context, j *job.Job) error {
	e.bus.Publish(Event{Kind: KindJobCancelled, JobID: j.ID})
	return nil
}

func (e *Extension) OnJobDeadLettered(_ context.Context, j *job.Job, err error) error {
	e.bus.Publish(Event{Kind: KindJobDeadLettered, JobID: j.ID, Error: err.Error()})
	return nil
}

func (e *Extension) OnBatchFormed(_ context.Context, b *batch.Batch) error {
	e.bus.Publish(Event{
		Kind:    KindBatchFormed,
		BatchID: b.ID,
		Fields:  map[string]string{"size": strconv.Itoa(b.Size())},
	})
	return nil
}

func (e *Extension) OnBatchDispatched(_ context.Context, b *batch.Batch, elapsed time.Duration) error {
	e.bus.Publish(Event{Kind: KindBatchDispatched, BatchID: b.ID, Elapsed: elapsed})
	return nil
}

func (e *Extension) OnBatchFallback(_ context.Context, b *batch.Batch, err error) error {
	e.bus.Publish(Event{Kind: KindBatchFallback, BatchID: b.ID, Error: err.Error()})
	return nil
}

func (e *Extension) OnThreadingTransition(_ context.Context, from, to threading.Phase) error {
	e.bus.Publish(Event{
		Kind:   KindThreading,
		Fields: map[string]string{"from": string(from), "to": string(to)},
	})
	return nil
}

func (e *Extension) OnBufferPressure(_ context.Context, stats bufpool.Stats) error {
	e.bus.Publish(Event{
		Kind: KindBufferPressure,
		Fields: map[string]string{
			"in_use":      strconv.Itoa(stats.InUse),
			"free":        strconv.Itoa(stats.Free),
			"total_bytes": strconv.FormatInt(stats.TotalBytes, 10),
		},
	})
	return nil
}

func (e *Extension) OnShutdown(_ context.Context) error {
	e.bus.Publish(Event{Kind: KindShutdown})
	return nil
}

// PublishProgress emits a job progress event. Called directly by the
// dispatch path rather than through a hook, since progress arrives at
// compute-module granularity.
func (e *Extension) PublishProgress(j *job.Job, fraction float64) {
	e.bus.Publish(Event{Kind: KindJobProgress, JobID: j.ID, Progress: fraction})
}
