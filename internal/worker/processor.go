package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/execution"
)

// processAttempt runs one attempt and reports its outcome. A nil return
// means the delivery is done with, whatever the attempt's own result was.
func (w *Worker) processAttempt(ctx context.Context, msg *execution.AttemptMessage) error {
	w.logger.Info("Processing attempt",
		slog.String("job_id", msg.JobID),
		slog.Int("attempt", msg.Attempt),
		slog.String("worker_id", w.workerID),
	)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.jobTimeout > 0 {
		var timeoutCancel context.CancelFunc
		attemptCtx, timeoutCancel = context.WithTimeout(attemptCtx, w.jobTimeout)
		defer timeoutCancel()
	}

	// The latest stage is re-sent as a heartbeat so the marketplace keeps
	// the attempt alive through long stages
	var (
		mu    sync.Mutex
		last  = domain.Progress{Stage: "started", Message: "attempt picked up by " + w.workerID}
		stale error
	)
	send := func(p domain.Progress) {
		err := w.reporter.ReportProgress(ctx, msg.JobID, msg.Attempt, p)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrStaleAttempt) {
			mu.Lock()
			stale = err
			mu.Unlock()
			cancel()
			return
		}
		w.logger.Warn("Failed to report progress",
			slog.String("job_id", msg.JobID),
			slog.Int("attempt", msg.Attempt),
			slog.String("error", err.Error()),
		)
	}
	send(last)

	heartbeatDone := make(chan struct{})
	go w.sendHeartbeat(attemptCtx, msg, heartbeatDone, func() {
		mu.Lock()
		p := last
		mu.Unlock()
		send(p)
	})

	res, execErr := w.runner.Execute(attemptCtx, msg.Order, func(p domain.Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
		send(p)
	})
	close(heartbeatDone)

	mu.Lock()
	staleErr := stale
	mu.Unlock()
	if staleErr != nil {
		w.logger.Warn("Attempt abandoned, marketplace no longer runs it",
			slog.String("job_id", msg.JobID),
			slog.Int("attempt", msg.Attempt),
			slog.String("error", staleErr.Error()),
		)
		return nil
	}

	// Shutting down; give the delivery back so another worker can run it
	if ctx.Err() != nil {
		return domain.NewRetryableError(fmt.Errorf("worker stopped during attempt: %w", ctx.Err()))
	}

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			execErr = domain.NewRetryableError(fmt.Errorf("attempt timed out after %s: %w", w.jobTimeout, execErr))
		}
		w.logger.Error("Attempt failed",
			slog.String("job_id", msg.JobID),
			slog.Int("attempt", msg.Attempt),
			slog.Bool("retryable", domain.IsRetryable(execErr)),
			slog.String("error", execErr.Error()),
		)
	}

	if err := w.reporter.ReportResult(ctx, msg.JobID, msg.Attempt, res, execErr); err != nil {
		if errors.Is(err, domain.ErrStaleAttempt) {
			w.logger.Warn("Result of stale attempt dropped",
				slog.String("job_id", msg.JobID),
				slog.Int("attempt", msg.Attempt),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to report result: %w", err))
	}

	w.logger.Info("Attempt result reported",
		slog.String("job_id", msg.JobID),
		slog.Int("attempt", msg.Attempt),
		slog.Bool("success", execErr == nil),
	)
	return nil
}

// sendHeartbeat calls beat every heartbeat interval until done is closed
func (w *Worker) sendHeartbeat(ctx context.Context, msg *execution.AttemptMessage, done <-chan struct{}, beat func()) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
			w.logger.Debug("Attempt heartbeat sent",
				slog.String("job_id", msg.JobID),
				slog.Int("attempt", msg.Attempt),
			)
		}
	}
}
