package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case job := <-w.jobsChan:
			w.handle(ctx, workerName, job)
		}
	}
}

// handle processes one delivery and settles it with the broker
func (w *Worker) handle(ctx context.Context, workerName string, job *attemptJob) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", job.msg.JobID),
		slog.Int("attempt", job.msg.Attempt),
	)
	log.Info("Worker received attempt",
		slog.Uint64("delivery_tag", job.delivery.DeliveryTag),
	)

	err := w.processAttempt(ctx, &job.msg)
	if err == nil {
		if ackErr := job.delivery.Ack(false); ackErr != nil {
			log.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
			return
		}
		log.Info("Attempt handled")
		return
	}

	requeue := w.shouldRequeue(err)
	log.Error("Attempt processing failed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)
	if nackErr := job.delivery.Nack(false, requeue); nackErr != nil {
		log.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
	}
}

// shouldRequeue determines if a delivery should go back on the queue.
// Only transient failures are requeued; the rest are dead-lettered.
func (w *Worker) shouldRequeue(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
