// Package telemetry provides an in-memory event bus carrying lifecycle
// events out of the coordinator, plus an extension that feeds the bus.
// UI layers subscribe to drive progress bars and diagnostics overlays.
package telemetry

import (
	"sync"
	"time"

	"github.com/vectral/conductor/id"
)

// Kind identifies the lifecycle event a telemetry Event describes.
type Kind string

const (
	KindJobQueued       Kind = "job.queued"
	KindJobStarted      Kind = "job.started"
	KindJobProgress     Kind = "job.progress"
	KindJobCompleted    Kind = "job.completed"
	KindJobFailed       Kind = "job.failed"
	KindJobRetrying     Kind = "job.retrying"
	KindJobCancelled    Kind = "job.cancelled"
	KindJobDeadLettered Kind = "job.deadlettered"
	KindBatchFormed     Kind = "batch.formed"
	KindBatchDispatched Kind = "batch.dispatched"
	KindBatchFallback   Kind = "batch.fallback"
	KindThreading       Kind = "threading.transition"
	KindBufferPressure  Kind = "bufpool.pressure"
	KindShutdown        Kind = "shutdown"
)

// Event is a single telemetry record. Only the fields relevant to the
// Kind are populated.
type Event struct {
	Kind     Kind
	JobID    id.JobID
	BatchID  id.BatchID
	Progress float64
	Elapsed  time.Duration
	Error    string
	Fields   map[string]string
	At       time.Time
}

// Bus fans telemetry events out to subscribers. Publish never blocks:
// when a subscriber's channel is full the event is dropped for that
// subscriber and counted, so a stalled consumer cannot back-pressure
// the dispatch path.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
}

// NewBus creates an empty telemetry bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer size
// and returns the receive channel plus a cancel function. Cancelling
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	idx := b.nextID
	b.nextID++
	b.subs[idx] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[idx]; ok {
			delete(b.subs, idx)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer
// capacity. Stamps At if unset.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
