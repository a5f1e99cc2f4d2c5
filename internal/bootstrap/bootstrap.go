// Package bootstrap assembles the batch engine from configuration for the
// api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/audit"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/executor"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/lock"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/progress"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/queue"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/selection"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/snapshot"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store"
	"github.com/cuongbtq/catalog-batchops/internal/batchops/store/postgres"
	"github.com/cuongbtq/catalog-batchops/internal/catalog"
	"github.com/cuongbtq/catalog-batchops/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Engine holds the components shared by the api and worker services
type Engine struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Registry  *executor.Registry
	Resolver  *selection.Resolver
	Snapshots *snapshot.Manager
	Tracker   *progress.Tracker
	Audit     audit.Sink
}

// Options carries the optional collaborators of an engine
type Options struct {
	// Progress receives live progress updates; nil disables broadcasting
	Progress progress.Publisher
	// AuditBroker receives audit events in addition to the log
	AuditBroker     audit.Publisher
	AuditRoutingKey string
}

// NewEngine wires the catalog, job store, snapshot manager and progress
// tracker over db
func NewEngine(cfg *config.Config, db *sqlx.DB, opts Options, logger *slog.Logger) *Engine {
	return newEngine(cfg, postgres.NewStorage(db, logger), catalog.NewPostgres(db), opts, logger)
}

func newEngine(cfg *config.Config, st store.Store, repo catalog.Repository, opts Options, logger *slog.Logger) *Engine {
	cat := catalog.New(repo, logger)

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if opts.AuditBroker != nil {
		sinks = append(sinks, audit.NewAMQPSink(opts.AuditBroker, opts.AuditRoutingKey))
	}

	return &Engine{
		Store:    st,
		Catalog:  cat,
		Registry: NewRegistry(cat),
		Resolver: selection.NewResolver(cat, logger),
		Snapshots: snapshot.NewManager(st, cat, cat, snapshot.Config{
			UndoWindow:      cfg.Batch.UndoWindow,
			ReadConcurrency: cfg.Batch.SnapshotReaders,
		}, logger),
		Tracker: progress.NewTracker(st, opts.Progress, logger),
		Audit:   sinks,
	}
}

// NewRegistry registers the catalog mutations as operation handlers
func NewRegistry(cat *catalog.Catalog) *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(domain.OperationStatusUpdate, executor.HandlerFunc(cat.UpdateStatus))
	registry.Register(domain.OperationDelete, executor.HandlerFunc(cat.Delete))
	registry.Register(domain.OperationMetadataUpdate, executor.HandlerFunc(cat.UpdateMetadata))
	return registry
}

// Service builds the API-facing batch service on top of the engine
func (e *Engine) Service(q queue.Queue, cfg *config.Config, logger *slog.Logger) *batchops.Service {
	return batchops.NewService(batchops.Dependencies{
		Store:     e.Store,
		Queue:     q,
		Registry:  e.Registry,
		Resolver:  e.Resolver,
		Snapshots: e.Snapshots,
		Tracker:   e.Tracker,
		Audit:     e.Audit,
		Logger:    logger,
	}, Limits(cfg.Batch))
}

// Executor builds the worker-side executor on top of the engine
func (e *Engine) Executor(locker lock.Locker, cfg *config.Config, logger *slog.Logger) *executor.Executor {
	return executor.New(executor.Dependencies{
		Store:     e.Store,
		Registry:  e.Registry,
		Snapshots: e.Snapshots,
		Tracker:   e.Tracker,
		Locker:    locker,
		Audit:     e.Audit,
		Logger:    logger,
	}, executor.Config{
		WorkerID:          cfg.Worker.ID,
		LockTTL:           cfg.Lock.TTL,
		LockWait:          cfg.Lock.Wait,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		ItemsPerSecond:    cfg.Batch.ItemsPerSecond,
	})
}

// Limits converts batch configuration to service limits
func Limits(cfg config.BatchConfig) batchops.Limits {
	return batchops.Limits{
		DefaultBatchSize:   cfg.DefaultBatchSize,
		MaxBatchSize:       cfg.MaxBatchSize,
		DefaultConcurrency: cfg.DefaultConcurrency,
		MaxConcurrency:     cfg.MaxConcurrency,
	}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
	)
	return client, nil
}

// NewLocker returns the job lock backend selected by cfg
func NewLocker(cfg config.LockConfig, client *redis.Client, redisCfg config.RedisConfig) (lock.Locker, error) {
	switch cfg.Backend {
	case "", config.LockBackendLocal:
		return lock.NewLocal(), nil
	case config.LockBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("lock backend %q requires a redis client", cfg.Backend)
		}
		return lock.NewRedis(client, redisCfg.LockPrefix), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// NewProgressPublisher returns a Redis publisher, or nil when Redis is not
// configured
func NewProgressPublisher(client *redis.Client, cfg config.RedisConfig) progress.Publisher {
	if client == nil {
		return nil
	}
	return progress.NewRedisPublisher(client, cfg.ProgressChannel)
}
