// Package worker runs execution attempts handed off by the marketplace over
// RabbitMQ. Each attempt goes through the crew pipeline and its progress and
// outcome are posted back to the API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageSource delivers attempt messages
type MessageSource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Runner executes one attempt of a work order
type Runner interface {
	Execute(ctx context.Context, order *domain.WorkOrder, progress func(domain.Progress)) (*domain.Result, error)
}

// Reporter sends attempt updates back to the marketplace. Both methods
// return domain.ErrStaleAttempt when the marketplace no longer runs the attempt.
type Reporter interface {
	ReportProgress(ctx context.Context, jobID string, attempt int, p domain.Progress) error
	ReportResult(ctx context.Context, jobID string, attempt int, res *domain.Result, execErr error) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            MessageSource
	Runner            Runner
	Reporter          Reporter
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	QueueName         string
}

// Worker consumes attempt messages and runs them on a goroutine pool
type Worker struct {
	logger            *slog.Logger
	source            MessageSource
	runner            Runner
	reporter          Reporter
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	queueName         string

	jobsChan chan *attemptJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		source:            cfg.Source,
		runner:            cfg.Runner,
		reporter:          cfg.Reporter,
		workerID:          "worker-" + uuid.NewString()[:8],
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		queueName:         cfg.QueueName,
		jobsChan:          make(chan *attemptJob),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes messages until ctx is canceled or the delivery channel closes
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	closed := w.startMessageDispatcher(ctx, deliveries)

	w.Stop()
	if closed {
		return errDeliveriesClosed
	}
	return nil
}

// Stop waits for in-flight attempts to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}

var (
	errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")
	errInvalidMessage   = errors.New("invalid attempt message")
)

func invalidMessage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidMessage, fmt.Sprintf(format, args...))
}
