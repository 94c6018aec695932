package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// ErrAwaitReport is returned by executors that hand the attempt to another
// process. The outcome arrives later through Queue.ReportResult.
var ErrAwaitReport = errors.New("attempt outcome will be reported asynchronously")

// Executor runs one attempt of a work order. Failures worth retrying are
// wrapped with domain.NewRetryableError.
type Executor interface {
	Execute(ctx context.Context, order *domain.WorkOrder, progress func(domain.Progress)) (*domain.Result, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, order *domain.WorkOrder, progress func(domain.Progress)) (*domain.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, order *domain.WorkOrder, progress func(domain.Progress)) (*domain.Result, error) {
	return f(ctx, order, progress)
}

// AttemptMessage is the body published for a remote attempt
type AttemptMessage struct {
	JobID   string            `json:"job_id"`
	Attempt int               `json:"attempt"`
	Order   *domain.WorkOrder `json:"order"`
}

// MessagePublisher delivers a message body to the remote workers
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// AMQPExecutor hands attempts to the worker service over RabbitMQ
type AMQPExecutor struct {
	publisher MessagePublisher
	logger    *slog.Logger
}

// NewAMQPExecutor creates an executor that publishes attempts
func NewAMQPExecutor(publisher MessagePublisher, logger *slog.Logger) *AMQPExecutor {
	return &AMQPExecutor{publisher: publisher, logger: logger}
}

func (e *AMQPExecutor) Execute(ctx context.Context, order *domain.WorkOrder, _ func(domain.Progress)) (*domain.Result, error) {
	body, err := json.Marshal(AttemptMessage{JobID: order.JobID, Attempt: order.Attempt, Order: order})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attempt message: %w", err)
	}

	if err := e.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		e.logger.Error("Failed to publish attempt",
			slog.String("job_id", order.JobID),
			slog.Int("attempt", order.Attempt),
			slog.String("error", err.Error()),
		)
		return nil, domain.NewRetryableError(fmt.Errorf("failed to publish attempt: %w", err))
	}

	e.logger.Info("Attempt published to workers",
		slog.String("job_id", order.JobID),
		slog.Int("attempt", order.Attempt),
	)
	return nil, ErrAwaitReport
}
