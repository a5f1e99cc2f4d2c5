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
	"syscall"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
	"github.com/cuongbtq/catalog-batchops/internal/bootstrap"
	"github.com/cuongbtq/catalog-batchops/internal/config"
	"github.com/cuongbtq/catalog-batchops/internal/migrate"
	"github.com/cuongbtq/catalog-batchops/internal/worker"
	"github.com/cuongbtq/catalog-batchops/shared/logger"
	"github.com/cuongbtq/catalog-batchops/shared/postgresql"
	"github.com/cuongbtq/catalog-batchops/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
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

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.With("service", "worker", "worker_id", cfg.Worker.ID)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := migrate.Up(dbClient.SQLDB()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		appLogger.Info("Database migrations applied")
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = bootstrap.NewRedisClient(context.Background(), cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
	}

	locker, err := bootstrap.NewLocker(cfg.Lock, redisClient, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize job lock: %w", err)
	}

	engine := bootstrap.NewEngine(cfg, dbClient.GetDB(), bootstrap.Options{
		Progress:        bootstrap.NewProgressPublisher(redisClient, cfg.Redis),
		AuditBroker:     rabbitClient,
		AuditRoutingKey: cfg.RabbitMQ.AuditRoutingKey,
	}, appLogger.Logger)

	jobQueue := queue.NewRabbitMQ(rabbitClient, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		WorkerID:        cfg.Worker.ID,
		Source:          jobQueue,
		Queue:           jobQueue,
		Runner:          engine.Executor(locker, cfg, appLogger.Logger),
		Store:           engine.Store,
		Purger:          engine.Snapshots,
		Concurrency:     cfg.Worker.Concurrency,
		MaxJobs:         cfg.Worker.MaxJobs,
		StaleAfter:      cfg.Worker.StaleAfter,
		JanitorInterval: cfg.Worker.JanitorInterval,
	})

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort, bootstrap.HealthCheck(dbClient, rabbitClient), appLogger.Logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed",
				slog.Any("error", err),
			)
		}
	}

	appLogger.Info("Worker service shutdown complete", dbClient.Stats()...)
	return nil
}

// defaultWorkerID derives a worker id from the hostname
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// startMetricsServer exposes Prometheus metrics and /health; port 0 disables it
func startMetricsServer(port int, healthCheck func(context.Context) error, logger *slog.Logger) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context()); err != nil {
			logger.Warn("Health check failed", slog.String("error", err.Error()))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed",
				slog.Any("error", err),
			)
		}
	}()

	logger.Info("Metrics server listening",
		slog.Int("port", port),
	)
	return srv
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
		DeadLetterExchange: cfg.DeadLetter,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
