// Package app builds the components shared by the gateway and scheduler
// binaries from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/api"
	"github.com/lalithlochan/chime/internal/config"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/redis"
	"github.com/lalithlochan/chime/internal/scheduler"
	"github.com/lalithlochan/chime/internal/service"
	"github.com/lalithlochan/chime/internal/sqs"
	"github.com/lalithlochan/chime/internal/worker"
)

// Store is the full repository surface the binaries use. Both
// db.Repository and db.MemoryRepository satisfy it.
type Store interface {
	service.Repository
	worker.Repository
	scheduler.Repository
	scheduler.Cleaner
}

// Deps holds the opened infrastructure of one process.
type Deps struct {
	Store Store
	DB    *db.DB        // nil with the memory store
	Redis *redis.Client // nil when Redis is unreachable and not required
	Queue queue.Queue   // nil when QUEUE_BACKEND=none

	closers []func()
}

// Open connects the store, Redis and the delivery queue. Redis is optional
// only when neither queue backend needs it.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	d := &Deps{}

	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store; reminders are lost on restart")
		d.Store = db.NewMemoryRepository()
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			AppName:  cfg.DBAppName,
			MaxConns: int32(cfg.DBMaxConns),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		d.DB = database
		d.closers = append(d.closers, database.Close)
		d.Store = db.NewRepository(database, logger)
	}

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.QueueBackend != "none" {
			d.Close()
			return nil, fmt.Errorf("redis is required for QUEUE_BACKEND=%s: %w", cfg.QueueBackend, err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		d.Redis = redisClient
		d.closers = append(d.closers, func() { _ = redisClient.Close() })
	}

	switch cfg.QueueBackend {
	case "redis":
		d.Queue = queue.NewRedisQueue(d.Redis.Redis(), queue.RedisConfig{
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
		}, logger)
	case "sqs":
		locker := redis.NewLeaseLocker(d.Redis, logger, "chime:sqs:lease")
		q, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			Endpoint:          cfg.SQSEndpoint,
			QueueURL:          cfg.SQSQueueURL,
			DLQURL:            cfg.SQSDLQURL,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
		}, locker, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		d.Queue = q
	}
	if d.Queue != nil {
		d.closers = append(d.closers, func() { _ = d.Queue.Close() })
	}

	logger.Info("infrastructure ready",
		zap.String("store", cfg.Store),
		zap.String("queue", cfg.QueueBackend),
		zap.Bool("redis", d.Redis != nil),
	)
	return d, nil
}

// Close releases everything Open acquired, in reverse order.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Backoff is the retry schedule shared by direct enqueue and the trigger.
func Backoff(cfg *config.Config) queue.Backoff {
	return queue.Backoff{Base: cfg.QueueBackoffBase, Max: cfg.QueueBackoffMax}
}

// Checks returns the health checks for the opened dependencies.
func (d *Deps) Checks() map[string]api.Check {
	checks := make(map[string]api.Check)
	if d.DB != nil {
		checks["postgres"] = d.DB.Health
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Ping
	}
	if d.Queue != nil {
		checks["queue"] = func(ctx context.Context) error {
			_, err := d.Queue.Stats(ctx)
			return err
		}
	}
	return checks
}

// SamplePools publishes connection pool sizes until ctx is cancelled.
func (d *Deps) SamplePools(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if d.DB != nil {
			_, acquired := d.DB.Conns()
			metrics.SetDBConnections(acquired)
		}
		if d.Redis != nil {
			metrics.SetRedisConnections(int(d.Redis.Redis().PoolStats().TotalConns))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
