package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/swarm-market/internal/market/execution"
	amqp "github.com/rabbitmq/amqp091-go"
)

// attemptJob is one delivery handed to the pool
type attemptJob struct {
	msg      execution.AttemptMessage
	delivery amqp.Delivery
}

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch_count: number of unacknowledged messages per consumer
	if err := w.source.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	// Manual acknowledgment, consumer tag is the worker id
	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// parseAttempt decodes and checks a delivery body
func parseAttempt(body []byte) (execution.AttemptMessage, error) {
	var msg execution.AttemptMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, invalidMessage("malformed json: %v", err)
	}
	if msg.JobID == "" {
		return msg, invalidMessage("job_id is required")
	}
	if msg.Attempt < 1 {
		return msg, invalidMessage("attempt must be positive, got %d", msg.Attempt)
	}
	if msg.Order == nil {
		return msg, invalidMessage("order is required")
	}
	if msg.Order.JobID != msg.JobID || msg.Order.Attempt != msg.Attempt {
		return msg, invalidMessage("order does not match job %s attempt %d", msg.JobID, msg.Attempt)
	}
	return msg, nil
}

// startMessageDispatcher feeds deliveries to the worker pool. It reports
// whether it stopped because the delivery channel closed.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return true
			}

			msg, err := parseAttempt(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting attempt message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the dead letter queue, never back
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &attemptJob{msg: msg, delivery: delivery}:
				w.logger.Debug("Attempt dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Int("attempt", msg.Attempt),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching attempt")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return false
			}
		}
	}
}
