package batch

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/id"
	"github.com/vectral/conductor/job"
)

// maxOpenBatches bounds how many incompatible batches may accumulate
// before new jobs bypass batching entirely.
const maxOpenBatches = 4

// Compatibility score weights. Backend is a gate: a mismatch scores zero
// regardless of the numeric fields. Numeric fields match within a ±20%
// relative band.
const (
	weightBackend     = 0.5
	weightDetail      = 0.2
	weightStrokeWidth = 0.15
	weightPassCount   = 0.15

	numericBand = 0.2
)

// Batch is an ordered group of jobs dispatched in one compute call.
type Batch struct {
	ID        id.BatchID
	Jobs      []*job.Job
	CreatedAt time.Time
}

// Size returns the number of member jobs.
func (b *Batch) Size() int { return len(b.Jobs) }

// Optimizer accumulates jobs into open batches. Safe for concurrent use.
type Optimizer struct {
	minSize int
	maxSize int
	cutoff  float64
	timeout time.Duration
	maxWait time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	open []*Batch
}

// Config holds optimizer limits.
type Config struct {
	MinSize int           // smallest batch the wait-bound flush will close
	MaxSize int           // hard upper bound on batch size
	Cutoff  float64       // compatibility score threshold
	Timeout time.Duration // maximum age of an open batch
	MaxWait time.Duration // maximum wait of the oldest member once MinSize is reached
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithClock overrides the optimizer's time source, for tests.
func WithClock(now func() time.Time) OptimizerOption {
	return func(o *Optimizer) { o.now = now }
}

// NewOptimizer creates an Optimizer with the given limits.
func NewOptimizer(cfg Config, logger *slog.Logger, opts ...OptimizerOption) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.MinSize < 1 {
		cfg.MinSize = 1
	}
	o := &Optimizer{
		minSize: cfg.MinSize,
		maxSize: cfg.MaxSize,
		cutoff:  cfg.Cutoff,
		timeout: cfg.Timeout,
		maxWait: cfg.MaxWait,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add routes a job into an open compatible batch, opening a new batch
// when none fits and capacity allows. If the batch reaches MaxSize it is
// closed and returned for immediate dispatch; otherwise Add returns nil.
//
// When every open slot is taken by incompatible batches, ok is false and
// the caller should dispatch the job individually.
func (o *Optimizer) Add(j *job.Job) (ready *Batch, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, b := range o.open {
		if Score(b.Jobs[0].Config, j.Config) < o.cutoff {
			continue
		}
		b.Jobs = append(b.Jobs, j)
		if len(b.Jobs) >= o.maxSize {
			o.open = append(o.open[:i], o.open[i+1:]...)
			return b, true
		}
		return nil, true
	}

	if len(o.open) >= maxOpenBatches {
		return nil, false
	}

	b := &Batch{
		ID:        id.NewBatchID(),
		Jobs:      []*job.Job{j},
		CreatedAt: o.now(),
	}
	o.open = append(o.open, b)

	if o.maxSize == 1 {
		o.open = o.open[:len(o.open)-1]
		return b, true
	}
	return nil, true
}

// TimedOut closes and returns every open batch that has exceeded its wait
// bounds: older than Timeout, or at least MinSize with its oldest member
// waiting past MaxWait.
func (o *Optimizer) TimedOut() []*Batch {
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	var closed []*Batch
	kept := o.open[:0]
	for _, b := range o.open {
		expired := now.Sub(b.CreatedAt) >= o.timeout
		waited := len(b.Jobs) >= o.minSize && now.Sub(oldestCreated(b)) >= o.maxWait
		if expired || waited {
			closed = append(closed, b)
			continue
		}
		kept = append(kept, b)
	}
	o.open = kept

	if len(closed) > 0 {
		o.logger.Debug("flushing timed-out batches", slog.Int("count", len(closed)))
	}
	return closed
}

// Flush force-closes and returns all open batches. Shutdown path.
func (o *Optimizer) Flush() []*Batch {
	o.mu.Lock()
	defer o.mu.Unlock()

	closed := o.open
	o.open = nil
	return closed
}

// Remove deletes a job from whatever open batch holds it, dropping the
// batch entirely if it becomes empty. Returns true if the job was found.
func (o *Optimizer) Remove(jobID id.JobID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := jobID.String()
	for bi, b := range o.open {
		for ji, j := range b.Jobs {
			if j.ID.String() != key {
				continue
			}
			b.Jobs = append(b.Jobs[:ji], b.Jobs[ji+1:]...)
			if len(b.Jobs) == 0 {
				o.open = append(o.open[:bi], o.open[bi+1:]...)
			}
			return true
		}
	}
	return false
}

// PendingJobs returns the total number of jobs across open batches.
func (o *Optimizer) PendingJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, b := range o.open {
		n += len(b.Jobs)
	}
	return n
}

// Score computes the compatibility of two configs in [0,1]. The weighting
// is fixed: backend equality gates everything at 0.5, then detail (0.2),
// stroke width (0.15), and pass count (0.15) contribute when the values
// sit within a ±20% relative band (exact for pass count).
func Score(a, b compute.Config) float64 {
	if a.Backend != b.Backend {
		return 0
	}

	score := weightBackend
	if withinBand(a.Detail, b.Detail) {
		score += weightDetail
	}
	if withinBand(a.StrokeWidth, b.StrokeWidth) {
		score += weightStrokeWidth
	}
	if a.PassCount == b.PassCount {
		score += weightPassCount
	}
	return score
}

func withinBand(a, b float64) bool {
	if a == b {
		return true
	}
	largest := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= numericBand*largest
}

func oldestCreated(b *Batch) time.Time {
	oldest := b.Jobs[0].CreatedAt
	for _, j := range b.Jobs[1:] {
		if j.CreatedAt.Before(oldest) {
			oldest = j.CreatedAt
		}
	}
	return oldest
}
