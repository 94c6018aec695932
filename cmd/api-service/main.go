package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/cuongbtq/swarm-market/internal/api/handler"
	"github.com/cuongbtq/swarm-market/internal/api/router"
	"github.com/cuongbtq/swarm-market/internal/config"
	"github.com/cuongbtq/swarm-market/internal/crew"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/cuongbtq/swarm-market/internal/market/execution"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/registry"
	"github.com/cuongbtq/swarm-market/internal/market/settlement"
	"github.com/cuongbtq/swarm-market/internal/market/storage/postgres"
	"github.com/cuongbtq/swarm-market/shared/httpclient"
	"github.com/cuongbtq/swarm-market/shared/logger"
	"github.com/cuongbtq/swarm-market/shared/postgresql"
	"github.com/cuongbtq/swarm-market/shared/rabbitmq"
	"github.com/cuongbtq/swarm-market/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Any("modes", cfg.Market.Modes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := engineOptions(cfg)
	var engines []*engine.Engine
	if slices.Contains(cfg.Market.Modes, string(domain.ModeSimulated)) {
		agent := crew.SimulatedAgent{Delay: cfg.Market.Execution.StageDelay}
		engines = append(engines, engine.NewSimulated(opts, agent, appLogger.Logger))
	}

	infra := &liveInfra{checks: map[string]handler.HealthCheck{}}
	defer infra.close()
	if cfg.LiveEnabled() {
		live, err := initLiveEngine(cfg, opts, appLogger.Logger, infra)
		if err != nil {
			return fmt.Errorf("failed to initialize live engine: %w", err)
		}
		engines = append(engines, live)
	}

	defaultMode := cfg.Market.DefaultMode
	if defaultMode == "" {
		defaultMode = cfg.Market.Modes[0]
	}
	market := engine.NewMarketplace(domain.Mode(defaultMode), appLogger.Logger, engines...)
	if err := market.Start(ctx); err != nil {
		return fmt.Errorf("failed to start marketplace: %w", err)
	}
	defer market.Stop()

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, market, infra.checks)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      withCORS(cfg.Server.AllowedOrigins, r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
			return err
		}
		return nil
	})

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.String("default_mode", string(market.DefaultMode())),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// liveInfra tracks the connections opened for live mode
type liveInfra struct {
	checks  map[string]handler.HealthCheck
	closers []func() error
}

func (l *liveInfra) close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		_ = l.closers[i]()
	}
}

// engineOptions maps the market configuration onto engine options
func engineOptions(cfg *config.Config) engine.Options {
	var weights map[domain.AgentRole]int64
	if len(cfg.Market.Registry.PayoutWeights) > 0 {
		weights = make(map[domain.AgentRole]int64, len(cfg.Market.Registry.PayoutWeights))
		for role, w := range cfg.Market.Registry.PayoutWeights {
			weights[domain.AgentRole(role)] = w
		}
	}

	exec := cfg.Market.Execution
	return engine.Options{
		Registry: registry.Config{
			AllowSelfBid:    cfg.Market.Registry.AllowSelfBid,
			PayoutWeights:   weights,
			RefundOnAbandon: exec.RefundOnAbandon,
		},
		Queue: execution.Config{
			Workers:     exec.Workers,
			MaxAttempts: exec.MaxAttempts,
			Backoff: execution.Backoff{
				Base:   exec.BaseDelay,
				Max:    exec.MaxDelay,
				Jitter: exec.Jitter,
			},
			ProgressTimeout:  exec.ProgressTimeout,
			ReportRetries:    exec.ReportRetries,
			ReportRetryDelay: exec.ReportRetryDelay,
		},
		SubscriberBuffer: cfg.Market.Fanout.SubscriberBuffer,
		ActivityHistory:  cfg.Market.Fanout.ActivityHistory,
	}
}

// initLiveEngine connects the persisted backends of live mode
func initLiveEngine(cfg *config.Config, opts engine.Options, logger *slog.Logger, infra *liveInfra) (*engine.Engine, error) {
	dbClient, err := initPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	infra.closers = append(infra.closers, dbClient.Close)
	infra.checks["postgres"] = dbClient.HealthCheck

	if cfg.Database.MigrationsDir != "" {
		if err := dbClient.Migrate(cfg.Database.MigrationsDir); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	logger.Info("Database connection established")

	var locker keylock.Locker = keylock.NewLocal()
	if cfg.Market.Lock.Kind == config.LockRedis {
		redisClient, err := initRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		infra.closers = append(infra.closers, redisClient.Close)
		infra.checks["redis"] = redisClient.HealthCheck
		locker = keylock.NewRedis(redisClient.Universal(), keylock.RedisConfig{
			TTL:          cfg.Market.Lock.TTL,
			PollInterval: cfg.Market.Lock.PollInterval,
		}, logger)

		logger.Info("Redis connection established")
	}

	var chain settlement.Chain = settlement.NewSimulated()
	if cfg.Settlement.Kind == config.SettlementHTTP {
		chain = settlement.NewHTTP(httpclient.New(httpclient.Config{
			BaseURL:    cfg.Settlement.Endpoint,
			Timeout:    cfg.Settlement.Timeout,
			Retries:    cfg.Settlement.Retries,
			RetryDelay: cfg.Settlement.RetryDelay,
		}, logger), logger)
	}

	var executor execution.Executor
	switch cfg.Market.Execution.Executor {
	case config.ExecutorAMQP:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		infra.closers = append(infra.closers, rabbitClient.Close)
		infra.checks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		executor = execution.NewAMQPExecutor(rabbitClient, logger)

		logger.Info("RabbitMQ connection established")
	case config.ExecutorRemote:
		executor = crew.NewRemote(httpclient.New(httpclient.Config{
			BaseURL:    cfg.AgentService.Endpoint,
			Timeout:    cfg.AgentService.Timeout,
			Retries:    cfg.AgentService.Retries,
			RetryDelay: cfg.AgentService.RetryDelay,
		}, logger), crew.Callback{BaseURL: cfg.API.CallbackBaseURL, Token: cfg.API.CallbackToken}, logger)
	default:
		executor = crew.NewPipeline(crew.SimulatedAgent{Delay: cfg.Market.Execution.StageDelay}, logger)
	}

	logger.Info("Live engine configured",
		slog.String("executor", cfg.Market.Execution.Executor),
		slog.String("lock", cfg.Market.Lock.Kind),
		slog.String("settlement", cfg.Settlement.Kind),
	)

	return engine.New(domain.ModeLive, opts, engine.Backends{
		RegistryStore: postgres.NewRegistryStore(dbClient),
		LedgerStore:   postgres.NewLedgerStore(dbClient),
		TaskStore:     postgres.NewTaskStore(dbClient),
		Chain:         chain,
		Locker:        locker,
		Executor:      executor,
	}, logger), nil
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client used for job locks
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
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
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, market *engine.Marketplace, checks map[string]handler.HealthCheck) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:        logger,
		Market:        market,
		ServiceName:   cfg.App.Name,
		HealthChecks:  checks,
		CallbackToken: cfg.API.CallbackToken,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}

// withCORS lets browser clients on the configured origins call the API
func withCORS(origins []string, h http.Handler) http.Handler {
	if len(origins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID", handler.HeaderMode, handler.HeaderActor},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(h)
}
