package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectral/conductor/batch"
	"github.com/vectral/conductor/compute"
	"github.com/vectral/conductor/job"
)

// dispatchBatch runs one closed batch as a single dispatch unit. On
// success every member completes; on failure the breaker records one
// failure and every member is re-dispatched individually within the
// same unit.
func (s *Scheduler) dispatchBatch(ctx context.Context, b *batch.Batch) {
	if b.Size() == 0 {
		return
	}

	start := time.Now()
	inputs := make([]compute.Input, 0, b.Size())
	for _, j := range b.Jobs {
		s.markStarted(ctx, j)
		inputs = append(inputs, compute.Input{
			Pixels: j.Buffer.Data,
			Width:  j.Buffer.Width,
			Height: j.Buffer.Height,
			Config: j.Config,
		})
	}

	results, err := s.callBatch(ctx, inputs)
	if err != nil || len(results) != len(b.Jobs) {
		if err == nil {
			err = errors.New("scheduler: batch result count mismatch")
		}
		s.brk.RecordFailure()
		s.exts.EmitBatchFallback(ctx, b, err)
		s.logger.Warn("batch dispatch failed, falling back to individual jobs",
			slog.String("batch_id", b.ID.String()),
			slog.Int("size", b.Size()),
			slog.String("error", err.Error()),
		)
		s.fallback(ctx, b)
		return
	}

	s.brk.RecordSuccess()
	for i, j := range b.Jobs {
		if s.cancelRequested(j.ID.String()) {
			s.finalizeCancelled(ctx, j)
			continue
		}
		s.completeJob(ctx, j, results[i])
	}
	s.exts.EmitBatchDispatched(ctx, b, time.Since(start))
}

// callBatch invokes the batch entry point, racing the call against the
// configured deadline. A call that ignores its context is abandoned on
// expiry so the dispatch unit is not held hostage; its late result is
// discarded.
func (s *Scheduler) callBatch(ctx context.Context, inputs []compute.Input) ([]*compute.Result, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.JobTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		results []*compute.Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := s.module.ProcessBatch(callCtx, inputs)
		done <- outcome{results, err}
	}()

	if s.cfg.JobTimeout <= 0 {
		out := <-done
		return out.results, out.err
	}

	timer := time.NewTimer(s.cfg.JobTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.results, out.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("scheduler: batch timed out after %s: %w",
			s.cfg.JobTimeout, context.DeadlineExceeded)
	}
}

// fallback re-dispatches every member of a failed batch individually,
// bounded by the batch's own size. A member failure here flows through
// the normal per-job retry path.
func (s *Scheduler) fallback(ctx context.Context, b *batch.Batch) {
	var g errgroup.Group
	g.SetLimit(len(b.Jobs))
	for _, j := range b.Jobs {
		g.Go(func() error {
			s.dispatchJob(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchJob runs a single job through the middleware chain and the
// compute module, then routes the outcome: complete, retry, fail, or
// cancelled. The call is raced against the job's deadline: a call that
// ignores its context is abandoned on expiry so the dispatch unit
// frees up, and its late result is discarded.
func (s *Scheduler) dispatchJob(ctx context.Context, j *job.Job) {
	key := j.ID.String()
	if s.cancelRequested(key) {
		s.finalizeCancelled(ctx, j)
		return
	}

	s.markStarted(ctx, j)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[key] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	type outcome struct {
		result *compute.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var result *compute.Result
		err := s.chain(runCtx, j, func(hctx context.Context) error {
			var callErr error
			result, callErr = s.module.ProcessOne(hctx, compute.Input{
				Pixels: j.Buffer.Data,
				Width:  j.Buffer.Width,
				Height: j.Buffer.Height,
				Config: j.Config,
			}, func(fraction float64) {
				j.Progress = fraction
				if s.progress != nil {
					s.progress(j, fraction)
				}
			})
			return callErr
		})
		done <- outcome{result, err}
	}()

	var expired <-chan time.Time
	if j.Timeout > 0 {
		timer := time.NewTimer(j.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var out outcome
	select {
	case out = <-done:
	case <-expired:
		cancel()
		out = outcome{err: fmt.Errorf("scheduler: job timed out after %s: %w",
			j.Timeout, context.DeadlineExceeded)}
	}

	switch {
	case s.cancelRequested(key):
		// Cancelled while in flight; any result is discarded.
		s.finalizeCancelled(ctx, j)
	case out.err == nil:
		s.brk.RecordSuccess()
		s.completeJob(ctx, j, out.result)
	case errors.Is(out.err, context.Canceled):
		s.finalizeCancelled(ctx, j)
	default:
		s.brk.RecordFailure()
		s.handleFailure(ctx, j, out.err)
	}
}

// markStarted transitions a job to processing.
func (s *Scheduler) markStarted(ctx context.Context, j *job.Job) {
	now := time.Now().UTC()
	j.State = job.StateProcessing
	j.StartedAt = &now
	if err := s.store.Update(ctx, j); err != nil {
		s.logger.Warn("job update failed", slog.String("job_id", j.ID.String()), slog.String("error", err.Error()))
	}
	s.exts.EmitJobStarted(ctx, j)
}

// completeJob finalizes a successful job and returns its buffer to the
// pool.
func (s *Scheduler) completeJob(ctx context.Context, j *job.Job, result *compute.Result) {
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.Progress = 1
	j.CompletedAt = &now
	if err := s.store.Update(ctx, j); err != nil {
		s.logger.Warn("job update failed", slog.String("job_id", j.ID.String()), slog.String("error", err.Error()))
	}
	s.releaseBuffer(j)

	elapsed := time.Duration(0)
	if j.StartedAt != nil {
		elapsed = now.Sub(*j.StartedAt)
	}

	s.mu.Lock()
	s.totalProcessed++
	s.totalElapsed += elapsed
	s.mu.Unlock()

	s.exts.EmitJobCompleted(ctx, j, elapsed)
}

// handleFailure either schedules a retry with backoff or fails the job
// terminally and captures it in the dead-letter list.
func (s *Scheduler) handleFailure(ctx context.Context, j *job.Job, dispatchErr error) {
	j.LastError = dispatchErr.Error()

	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.State = job.StateRetrying
		delay := s.retry.Delay(j.RetryCount)
		j.RunAt = time.Now().UTC().Add(delay)
		if err := s.store.Update(ctx, j); err != nil {
			s.logger.Warn("job update failed", slog.String("job_id", j.ID.String()), slog.String("error", err.Error()))
		}

		s.mu.Lock()
		s.totalRetried++
		s.mu.Unlock()

		s.exts.EmitJobRetrying(ctx, j, j.RetryCount, j.RunAt)
		s.logger.Info("job retry scheduled",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.RetryCount),
			slog.Duration("delay", delay),
		)
		s.pending.Push(j)
		return
	}

	now := time.Now().UTC()
	j.State = job.StateFailed
	j.CompletedAt = &now
	if err := s.store.Update(ctx, j); err != nil {
		s.logger.Warn("job update failed", slog.String("job_id", j.ID.String()), slog.String("error", err.Error()))
	}
	// Capture the input before the buffer returns to the pool so the
	// dead-letter entry can be requeued later.
	if s.dead != nil {
		s.dead.Push(ctx, j, dispatchErr)
	}
	s.releaseBuffer(j)

	s.mu.Lock()
	s.totalFailed++
	s.mu.Unlock()

	s.exts.EmitJobFailed(ctx, j, dispatchErr)
	if s.dead != nil {
		s.exts.EmitJobDeadLettered(ctx, j, dispatchErr)
	}
	s.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempts", j.RetryCount+1),
		slog.String("error", dispatchErr.Error()),
	)
}

// finalizeCancelled moves a job to the cancelled state and releases its
// buffer.
func (s *Scheduler) finalizeCancelled(ctx context.Context, j *job.Job) {
	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	if err := s.store.Update(ctx, j); err != nil {
		s.logger.Warn("job update failed", slog.String("job_id", j.ID.String()), slog.String("error", err.Error()))
	}
	s.releaseBuffer(j)

	s.mu.Lock()
	delete(s.cancelled, j.ID.String())
	s.mu.Unlock()

	s.exts.EmitJobCancelled(ctx, j)
	s.logger.Debug("job cancelled", slog.String("job_id", j.ID.String()))
}

func (s *Scheduler) cancelRequested(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[key]
	return ok
}

func (s *Scheduler) releaseBuffer(j *job.Job) {
	if j.Buffer == nil {
		return
	}
	if err := s.pool.Release(j.Buffer); err != nil {
		s.logger.Warn("buffer release failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	j.Buffer = nil
}
