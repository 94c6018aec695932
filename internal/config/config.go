package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. MARKET_SERVER_PORT
	EnvPrefix = "MARKET_"
)

// Executor kinds
const (
	ExecutorLocal  = "local"
	ExecutorRemote = "remote"
	ExecutorAMQP   = "amqp"
)

// Settlement kinds
const (
	SettlementSimulated = "simulated"
	SettlementHTTP      = "http"
)

// Lock kinds
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Agent runner kinds used by the worker service
const (
	AgentSimulated = "simulated"
	AgentRemote    = "remote"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Database     DatabaseConfig     `yaml:"database" envPrefix:"DATABASE_"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis        RedisConfig        `yaml:"redis" envPrefix:"REDIS_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOG_"`
	App          AppConfig          `yaml:"app" envPrefix:"APP_"`
	Worker       WorkerConfig       `yaml:"worker" envPrefix:"WORKER_"`
	Market       MarketConfig       `yaml:"market" envPrefix:"ENGINE_"`
	Settlement   SettlementConfig   `yaml:"settlement" envPrefix:"SETTLEMENT_"`
	AgentService AgentServiceConfig `yaml:"agent_service" envPrefix:"AGENT_SERVICE_"`
	API          APIClientConfig    `yaml:"api" envPrefix:"API_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	MigrationsDir   string        `yaml:"migrations_dir" env:"MIGRATIONS_DIR"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	RoutingKey string           `yaml:"routing_key" env:"ROUTING_KEY"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type" env:"TYPE"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count" env:"PREFETCH_COUNT"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addrs        []string      `yaml:"addrs" env:"ADDRS"`
	Username     string        `yaml:"username" env:"USERNAME"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency" env:"CONCURRENCY"`
	JobTimeout        time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Agent selects the crew runner: simulated or remote
	Agent      string        `yaml:"agent" env:"AGENT"`
	StageDelay time.Duration `yaml:"stage_delay" env:"STAGE_DELAY"`
}

// MarketConfig holds the marketplace engine configuration
type MarketConfig struct {
	// Modes lists the execution contexts this process serves
	Modes       []string        `yaml:"modes" env:"MODES"`
	DefaultMode string          `yaml:"default_mode" env:"DEFAULT_MODE"`
	Registry    RegistryConfig  `yaml:"registry"`
	Execution   ExecutionConfig `yaml:"execution" envPrefix:"EXECUTION_"`
	Fanout      FanoutConfig    `yaml:"fanout"`
	Lock        LockConfig      `yaml:"lock" envPrefix:"LOCK_"`
}

// RegistryConfig holds job and bid policy
type RegistryConfig struct {
	AllowSelfBid  bool             `yaml:"allow_self_bid" env:"ALLOW_SELF_BID"`
	PayoutWeights map[string]int64 `yaml:"payout_weights"`
}

// ExecutionConfig holds execution queue settings
type ExecutionConfig struct {
	Executor        string        `yaml:"executor" env:"EXECUTOR"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter          float64       `yaml:"jitter" env:"JITTER"`
	ProgressTimeout time.Duration `yaml:"progress_timeout" env:"PROGRESS_TIMEOUT"`
	RefundOnAbandon bool          `yaml:"refund_on_abandon" env:"REFUND_ON_ABANDON"`
	StageDelay      time.Duration `yaml:"stage_delay" env:"STAGE_DELAY"`
	// ReportRetries bounds how often an attempt outcome is handed to the job lifecycle
	ReportRetries    uint64        `yaml:"report_retries" env:"REPORT_RETRIES"`
	ReportRetryDelay time.Duration `yaml:"report_retry_delay" env:"REPORT_RETRY_DELAY"`
}

// FanoutConfig holds notification delivery settings
type FanoutConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	ActivityHistory  int `yaml:"activity_history"`
}

// LockConfig selects how the live engine serializes work on a job
type LockConfig struct {
	Kind         string        `yaml:"kind" env:"KIND"`
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SettlementConfig holds chain settlement settings
type SettlementConfig struct {
	Kind       string        `yaml:"kind" env:"KIND"`
	Endpoint   string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries    uint64        `yaml:"retries" env:"RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// AgentServiceConfig points at the remote crew runner
type AgentServiceConfig struct {
	Endpoint   string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries    uint64        `yaml:"retries" env:"RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// APIClientConfig tells out-of-process runners where to report progress
type APIClientConfig struct {
	CallbackBaseURL string        `yaml:"callback_base_url" env:"CALLBACK_BASE_URL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries         uint64        `yaml:"retries" env:"RETRIES"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	// CallbackToken is shared by the API and its out-of-process runners.
	// Empty disables callback authentication.
	CallbackToken string `yaml:"callback_token" env:"CALLBACK_TOKEN"`
}

// Load reads and parses the configuration file, then applies MARKET_*
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// LiveEnabled reports whether the persisted, chain-backed mode is served
func (c *Config) LiveEnabled() bool {
	return slices.Contains(c.Market.Modes, "live")
}

// ValidateAPIConfig checks the settings the marketplace API needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if len(c.Market.Modes) == 0 {
		return fmt.Errorf("at least one market mode is required")
	}
	for _, m := range c.Market.Modes {
		if m != "simulated" && m != "live" {
			return fmt.Errorf("unknown market mode: %q", m)
		}
	}
	if c.Market.DefaultMode != "" && !slices.Contains(c.Market.Modes, c.Market.DefaultMode) {
		return fmt.Errorf("default mode %q is not enabled", c.Market.DefaultMode)
	}

	if err := c.Market.Execution.validate(); err != nil {
		return err
	}

	for role, w := range c.Market.Registry.PayoutWeights {
		if w < 0 {
			return fmt.Errorf("payout weight of %s must not be negative", role)
		}
	}

	if !c.LiveEnabled() {
		return nil
	}

	if err := c.Database.validate(); err != nil {
		return err
	}

	switch c.Market.Lock.Kind {
	case LockLocal, "":
	case LockRedis:
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis addrs are required for redis locks")
		}
	default:
		return fmt.Errorf("unknown lock kind: %q", c.Market.Lock.Kind)
	}

	switch c.Settlement.Kind {
	case SettlementSimulated, "":
	case SettlementHTTP:
		if c.Settlement.Endpoint == "" {
			return fmt.Errorf("settlement endpoint is required")
		}
	default:
		return fmt.Errorf("unknown settlement kind: %q", c.Settlement.Kind)
	}

	switch c.Market.Execution.Executor {
	case ExecutorAMQP:
		return c.RabbitMQ.validate()
	case ExecutorRemote:
		if c.AgentService.Endpoint == "" {
			return fmt.Errorf("agent service endpoint is required")
		}
		if c.API.CallbackBaseURL == "" {
			return fmt.Errorf("api callback_base_url is required for remote execution")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Worker.Agent {
	case AgentSimulated, "":
	case AgentRemote:
		if c.AgentService.Endpoint == "" {
			return fmt.Errorf("agent service endpoint is required")
		}
	default:
		return fmt.Errorf("unknown worker agent: %q", c.Worker.Agent)
	}

	if c.API.CallbackBaseURL == "" {
		return fmt.Errorf("api callback_base_url is required")
	}

	return c.RabbitMQ.validate()
}

func (e ExecutionConfig) validate() error {
	switch e.Executor {
	case ExecutorLocal, ExecutorRemote, ExecutorAMQP, "":
	default:
		return fmt.Errorf("unknown executor: %q", e.Executor)
	}

	if e.Workers <= 0 {
		return fmt.Errorf("execution workers must be greater than 0")
	}

	if e.MaxAttempts <= 0 {
		return fmt.Errorf("execution max_attempts must be greater than 0")
	}

	if e.BaseDelay <= 0 {
		return fmt.Errorf("execution base_delay must be greater than 0")
	}

	if e.MaxDelay < e.BaseDelay {
		return fmt.Errorf("execution max_delay must not be below base_delay")
	}

	if e.Jitter < 0 || e.Jitter > 1 {
		return fmt.Errorf("execution jitter must be between 0 and 1")
	}

	if e.ProgressTimeout <= 0 {
		return fmt.Errorf("execution progress_timeout must be greater than 0")
	}

	return nil
}

func (d DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validatePort("database", d.Port); err != nil {
		return err
	}

	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (r RabbitMQConfig) validate() error {
	if r.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", r.Port); err != nil {
		return err
	}

	if r.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if r.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
