package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job is one periodic maintenance task.
type Job struct {
	// Type labels metrics and logs, e.g. JobTypeIdempotencyCleanup.
	Type     string
	Interval time.Duration
	// RunImmediately runs the job once before the first tick.
	RunImmediately bool
	Run            func(ctx context.Context) error
}

// Every runs job on its interval until ctx is cancelled. It blocks; run it in
// a goroutine. A failing run is logged and counted; the schedule continues.
func Every(ctx context.Context, job Job, metrics *Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunImmediately {
		runOnce(ctx, job, metrics, logger)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, job, metrics, logger)
		}
	}
}

func runOnce(ctx context.Context, job Job, metrics *Metrics, logger *slog.Logger) {
	start := time.Now()
	err := job.Run(ctx)
	finished := time.Now()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the run.
		return
	}
	outcome := outcomeOf(err)
	metrics.observeRun(job.Type, outcome, finished.Sub(start), finished)
	if err == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "background job failed",
		slog.String("job_type", job.Type),
		slog.String("outcome", outcome),
		slog.String("error", err.Error()))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}
