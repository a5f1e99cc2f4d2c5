package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Lock backends
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Batch    BatchConfig    `yaml:"batch"`
	Lock     LockConfig     `yaml:"lock"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	User            string           `yaml:"user"`
	Password        string           `yaml:"password"`
	VHost           string           `yaml:"vhost"`
	Exchange        ExchangeConfig   `yaml:"exchange"`
	Queue           QueueConfig      `yaml:"queue"`
	RoutingKey      string           `yaml:"routing_key"`
	AuditRoutingKey string           `yaml:"audit_routing_key"`
	DeadLetter      string           `yaml:"dead_letter_exchange"`
	Connection      ConnectionConfig `yaml:"connection"`
	Publish         PublishConfig    `yaml:"publish"`
	Consumer        ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
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
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection settings used for job locks and
// progress events
type RedisConfig struct {
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	LockPrefix      string `yaml:"lock_prefix"`
	ProgressChannel string `yaml:"progress_channel"`
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// BatchConfig holds batch engine tunables
type BatchConfig struct {
	DefaultBatchSize   int           `yaml:"default_batch_size"`
	MaxBatchSize       int           `yaml:"max_batch_size"`
	DefaultConcurrency int           `yaml:"default_concurrency"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	ItemsPerSecond     float64       `yaml:"items_per_second"`
	UndoWindow         time.Duration `yaml:"undo_window"`
	SnapshotReaders    int           `yaml:"snapshot_readers"`
}

// LockConfig selects the per-job mutual exclusion backend
type LockConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	// Wait is how long a run retries a lock held by a run that is exiting
	Wait time.Duration `yaml:"wait"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset tunables
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.MaxJobs <= 0 {
		c.Worker.MaxJobs = c.Worker.Concurrency
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}
	if c.Worker.JanitorInterval <= 0 {
		c.Worker.JanitorInterval = time.Minute
	}

	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}
	if c.RabbitMQ.AuditRoutingKey == "" {
		c.RabbitMQ.AuditRoutingKey = "batch_operations.audit"
	}

	if c.Batch.DefaultBatchSize <= 0 {
		c.Batch.DefaultBatchSize = 50
	}
	if c.Batch.MaxBatchSize <= 0 {
		c.Batch.MaxBatchSize = 1000
	}
	if c.Batch.DefaultConcurrency <= 0 {
		c.Batch.DefaultConcurrency = 1
	}
	if c.Batch.MaxConcurrency <= 0 {
		c.Batch.MaxConcurrency = 16
	}
	if c.Batch.UndoWindow <= 0 {
		c.Batch.UndoWindow = 24 * time.Hour
	}
	if c.Batch.SnapshotReaders <= 0 {
		c.Batch.SnapshotReaders = 8
	}

	if c.Lock.Backend == "" {
		c.Lock.Backend = LockBackendLocal
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 2 * time.Minute
	}
	if c.Lock.Wait <= 0 {
		c.Lock.Wait = 2 * time.Second
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDependencies(); err != nil {
		return err
	}

	return c.validateBatch()
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDependencies(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be greater than heartbeat_interval")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	if c.Batch.ItemsPerSecond < 0 {
		return fmt.Errorf("batch items_per_second must not be negative")
	}

	switch c.Lock.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("redis addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend: %q", c.Lock.Backend)
	}

	return c.validateBatch()
}

func (c *Config) validateDependencies() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.DefaultBatchSize > c.Batch.MaxBatchSize {
		return fmt.Errorf("batch default_batch_size %d exceeds max_batch_size %d", c.Batch.DefaultBatchSize, c.Batch.MaxBatchSize)
	}

	if c.Batch.DefaultConcurrency > c.Batch.MaxConcurrency {
		return fmt.Errorf("batch default_concurrency %d exceeds max_concurrency %d", c.Batch.DefaultConcurrency, c.Batch.MaxConcurrency)
	}

	return nil
}
