package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/swarm-market/internal/config"
	"github.com/cuongbtq/swarm-market/internal/crew"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/worker"
	"github.com/cuongbtq/swarm-market/shared/httpclient"
	"github.com/cuongbtq/swarm-market/shared/logger"
	"github.com/cuongbtq/swarm-market/shared/rabbitmq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("agent", cfg.Worker.Agent),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Results go back through the execution callbacks of the live engine
	reporter := worker.NewHTTPReporter(httpclient.New(httpclient.Config{
		BaseURL:    cfg.API.CallbackBaseURL,
		Timeout:    cfg.API.Timeout,
		Retries:    cfg.API.Retries,
		RetryDelay: cfg.API.RetryDelay,
		Headers:    callbackHeaders(cfg.API.CallbackToken),
	}, appLogger.Logger), appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Source:            rabbitClient,
		Runner:            initRunner(cfg, appLogger.Logger),
		Reporter:          reporter,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		QueueName:         cfg.RabbitMQ.Queue.Name,
	})

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	appLogger.Info("Worker service started successfully")

	<-gctx.Done()
	appLogger.Info("Shutting down worker gracefully")

	// Give in-flight attempts time to finish
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initRunner picks the crew runner for attempts
func initRunner(cfg *config.Config, logger *slog.Logger) worker.Runner {
	if cfg.Worker.Agent == config.AgentRemote {
		return crew.NewRemote(httpclient.New(httpclient.Config{
			BaseURL:    cfg.AgentService.Endpoint,
			Timeout:    cfg.AgentService.Timeout,
			Retries:    cfg.AgentService.Retries,
			RetryDelay: cfg.AgentService.RetryDelay,
		}, logger), crew.Callback{}, logger)
	}
	return crew.NewPipeline(crew.SimulatedAgent{Delay: cfg.Worker.StageDelay}, logger)
}

// callbackHeaders are sent with every report to the live engine
func callbackHeaders(token string) map[string]string {
	headers := map[string]string{"X-Market-Mode": string(domain.ModeLive)}
	if token != "" {
		headers["X-Callback-Token"] = token
	}
	return headers
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
