package middleware

import (
	"context"
	"log/slog"

	"github.com/vectral/conductor/job"
)

// Timeout returns middleware that enforces the per-job execution
// deadline. If the job has a non-zero Timeout, a context.WithTimeout
// wraps the compute call. When the deadline is exceeded the context is
// cancelled and the call returns context.DeadlineExceeded, which the
// scheduler treats as a retryable failure.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout > 0 {
			logger.Debug("job deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
