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

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "catalog_db", cfg.Database.Database)
				assert.True(t, cfg.Database.AutoMigrate)
				assert.Equal(t, "batch_operations_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "batch_operations_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "batch_operations.audit", cfg.RabbitMQ.AuditRoutingKey)
				assert.Equal(t, "batch_operations.dlx", cfg.RabbitMQ.DeadLetter)
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
				assert.Equal(t, "catalog-batchops", cfg.App.Name)
				assert.Equal(t, 5*time.Minute, cfg.Worker.StaleAfter)
				assert.Equal(t, 9100, cfg.Worker.MetricsPort)
				assert.Equal(t, 200.0, cfg.Batch.ItemsPerSecond)
				assert.Equal(t, 24*time.Hour, cfg.Batch.UndoWindow)
				assert.Equal(t, LockBackendRedis, cfg.Lock.Backend)
				assert.Equal(t, 2*time.Minute, cfg.Lock.TTL)
				assert.Equal(t, 3*time.Second, cfg.Lock.Wait)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 1, cfg.Worker.MaxJobs)
	assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, "batch_operations.audit", cfg.RabbitMQ.AuditRoutingKey)
	assert.Equal(t, 50, cfg.Batch.DefaultBatchSize)
	assert.Equal(t, 1000, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 1, cfg.Batch.DefaultConcurrency)
	assert.Equal(t, 16, cfg.Batch.MaxConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.Batch.UndoWindow)
	assert.Equal(t, 8, cfg.Batch.SnapshotReaders)
	assert.Equal(t, LockBackendLocal, cfg.Lock.Backend)
	assert.Equal(t, 2*time.Second, cfg.Lock.Wait)
	assert.False(t, cfg.Redis.Enabled())

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "catalog_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "batch_operations_exchange",
			},
			Queue: QueueConfig{
				Name: "batch_operations_queue",
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "default batch size above max",
			mutate:    func(c *Config) { c.Batch.DefaultBatchSize = 5000 },
			wantErr:   true,
			errString: "exceeds max_batch_size",
		},
		{
			name:      "default concurrency above max",
			mutate:    func(c *Config) { c.Batch.DefaultConcurrency = 32 },
			wantErr:   true,
			errString: "exceeds max_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
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
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "negative job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = -time.Second },
			errString: "worker job_timeout must not be negative",
		},
		{
			name: "stale_after not above heartbeat",
			mutate: func(c *Config) {
				c.Worker.HeartbeatInterval = time.Minute
				c.Worker.StaleAfter = time.Minute
			},
			errString: "worker stale_after must be greater than heartbeat_interval",
		},
		{
			name:      "invalid metrics port",
			mutate:    func(c *Config) { c.Worker.MetricsPort = 70000 },
			errString: "invalid worker metrics port",
		},
		{
			name:      "redis lock without redis",
			mutate:    func(c *Config) { c.Lock.Backend = LockBackendRedis },
			errString: "redis addr is required",
		},
		{
			name: "redis lock with redis",
			mutate: func(c *Config) {
				c.Lock.Backend = LockBackendRedis
				c.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:      "unknown lock backend",
			mutate:    func(c *Config) { c.Lock.Backend = "zookeeper" },
			errString: "unknown lock backend",
		},
		{
			name:      "negative rate",
			mutate:    func(c *Config) { c.Batch.ItemsPerSecond = -1 },
			errString: "items_per_second must not be negative",
		},
		{
			name:      "missing database",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

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

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
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

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
