package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "swarm_market", cfg.Database.Database)
				assert.Equal(t, "market_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "execution_attempts", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
				assert.Equal(t, []string{"simulated", "live"}, cfg.Market.Modes)
				assert.Equal(t, int64(2), cfg.Market.Registry.PayoutWeights["WORKER"])
				assert.Equal(t, 30*time.Second, cfg.Market.Execution.MaxDelay)
				assert.InDelta(t, 0.2, cfg.Market.Execution.Jitter, 1e-9)
				assert.Equal(t, "swarm-market-api", cfg.App.Name)
				assert.True(t, cfg.LiveEnabled())
			}
		})
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("MARKET_SERVER_PORT", "9090")
	t.Setenv("MARKET_DATABASE_HOST", "db.internal")
	t.Setenv("MARKET_REDIS_ADDRS", "redis-a:6379,redis-b:6379")
	t.Setenv("MARKET_ENGINE_MODES", "simulated")
	t.Setenv("MARKET_ENGINE_EXECUTION_MAX_ATTEMPTS", "5")
	t.Setenv("MARKET_ENGINE_EXECUTION_BASE_DELAY", "250ms")
	t.Setenv("MARKET_ENGINE_EXECUTION_REPORT_RETRIES", "6")
	t.Setenv("MARKET_RABBITMQ_QUEUE_NAME", "attempts_v2")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, []string{"simulated"}, cfg.Market.Modes)
	assert.Equal(t, 5, cfg.Market.Execution.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Market.Execution.BaseDelay)
	assert.Equal(t, uint64(6), cfg.Market.Execution.ReportRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Market.Execution.ReportRetryDelay)
	assert.Equal(t, "attempts_v2", cfg.RabbitMQ.Queue.Name)
	assert.False(t, cfg.LiveEnabled())

	// Untouched values keep their file settings
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoad_InvalidEnvironmentOverride(t *testing.T) {
	t.Setenv("MARKET_SERVER_PORT", "not-a-port")

	cfg, err := Load("testdata/valid_config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply environment overrides")
	assert.Nil(t, cfg)
}

func simulatedOnly() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Market: MarketConfig{
			Modes: []string{"simulated"},
			Execution: ExecutionConfig{
				Executor:        ExecutorLocal,
				Workers:         2,
				MaxAttempts:     3,
				BaseDelay:       time.Second,
				MaxDelay:        10 * time.Second,
				Jitter:          0.1,
				ProgressTimeout: time.Minute,
			},
		},
	}
}

func live() *Config {
	cfg := simulatedOnly()
	cfg.Market.Modes = []string{"simulated", "live"}
	cfg.Database = DatabaseConfig{Host: "localhost", Port: 5432, Database: "swarm_market"}
	cfg.RabbitMQ = RabbitMQConfig{
		Host:     "localhost",
		Port:     5672,
		Exchange: ExchangeConfig{Name: "market_exchange"},
		Queue:    QueueConfig{Name: "execution_attempts"},
	}
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		base      func() *Config
		errString string
	}{
		{
			name: "simulated only needs no infrastructure",
			base: simulatedOnly,
		},
		{
			name: "live with amqp executor",
			base: live,
			mutate: func(c *Config) {
				c.Market.Execution.Executor = ExecutorAMQP
			},
		},
		{
			name:      "invalid server port - too low",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "no modes",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Modes = nil },
			errString: "at least one market mode is required",
		},
		{
			name:      "unknown mode",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Modes = []string{"demo-ish"} },
			errString: "unknown market mode",
		},
		{
			name:      "default mode not enabled",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.DefaultMode = "live" },
			errString: "is not enabled",
		},
		{
			name:      "unknown executor",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Execution.Executor = "carrier-pigeon" },
			errString: "unknown executor",
		},
		{
			name:      "zero max attempts",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Execution.MaxAttempts = 0 },
			errString: "max_attempts must be greater than 0",
		},
		{
			name:      "max delay below base delay",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Execution.MaxDelay = time.Millisecond },
			errString: "max_delay must not be below base_delay",
		},
		{
			name:      "jitter out of range",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Execution.Jitter = 1.5 },
			errString: "jitter must be between 0 and 1",
		},
		{
			name:      "negative payout weight",
			base:      simulatedOnly,
			mutate:    func(c *Config) { c.Market.Registry.PayoutWeights = map[string]int64{"QA": -1} },
			errString: "payout weight of QA must not be negative",
		},
		{
			name:      "live without database host",
			base:      live,
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "live without database name",
			base:      live,
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "redis locks without addrs",
			base:      live,
			mutate:    func(c *Config) { c.Market.Lock.Kind = LockRedis },
			errString: "redis addrs are required",
		},
		{
			name:      "http settlement without endpoint",
			base:      live,
			mutate:    func(c *Config) { c.Settlement.Kind = SettlementHTTP },
			errString: "settlement endpoint is required",
		},
		{
			name: "amqp executor without queue name",
			base: live,
			mutate: func(c *Config) {
				c.Market.Execution.Executor = ExecutorAMQP
				c.RabbitMQ.Queue.Name = ""
			},
			errString: "rabbitmq queue name is required",
		},
		{
			name: "remote executor without callback",
			base: live,
			mutate: func(c *Config) {
				c.Market.Execution.Executor = ExecutorRemote
				c.AgentService.Endpoint = "http://agents:8000"
			},
			errString: "callback_base_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.base()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name: "valid worker config",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "unknown agent",
			mutate:    func(c *Config) { c.Worker.Agent = "oracle" },
			errString: "unknown worker agent",
		},
		{
			name:      "remote agent without endpoint",
			mutate:    func(c *Config) { c.Worker.Agent = AgentRemote },
			errString: "agent service endpoint is required",
		},
		{
			name:      "missing callback base",
			mutate:    func(c *Config) { c.API.CallbackBaseURL = "" },
			errString: "api callback_base_url is required",
		},
		{
			name:      "missing rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("testdata/worker_config.yaml")
			require.NoError(t, err)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err = cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
