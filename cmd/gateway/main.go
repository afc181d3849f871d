package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/api"
	"github.com/lalithlochan/chime/internal/app"
	"github.com/lalithlochan/chime/internal/config"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/observ"
	"github.com/lalithlochan/chime/internal/redis"
	"github.com/lalithlochan/chime/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DBAppName == "" {
		cfg.DBAppName = "chime-gateway"
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting chime gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("queue", cfg.QueueBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Idempotency and rate limiting need Redis
	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if deps.Redis != nil {
		idempotencyService = redis.NewIdempotencyService(deps.Redis, logger)
		rateLimiter = redis.NewRateLimiter(deps.Redis, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	svc := service.New(deps.Store, deps.Queue, service.Config{
		ClaimTTL: cfg.ClaimTTL,
		Backoff:  app.Backoff(cfg),
	}, observ.Component(logger, "service"))

	var dead api.DeadLetters
	if deps.Queue != nil {
		dead = deps.Queue
	}
	handler := api.NewHandler(observ.Component(logger, "api"), svc, idempotencyService, dead)

	go deps.SamplePools(ctx, 15*time.Second)

	var background chan error // nil unless the scheduler is embedded

	// The memory store is process-local, so the scheduler has to run here.
	if cfg.Store == "memory" {
		ch, err := app.NewChannels(ctx, cfg, logger)
		if err != nil {
			return err
		}
		pub, err := app.NewPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		background = make(chan error, 1)
		go func() { background <- app.RunBackground(ctx, deps, cfg, ch, pub, logger) }()
		logger.Info("embedded scheduler started")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.OwnerKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", api.HealthHandler(deps.Checks(), nil))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or a component fails
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-background:
		background = nil
		if err != nil {
			return fmt.Errorf("scheduler error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if background != nil {
		stop()
		if err := <-background; err != nil {
			return fmt.Errorf("scheduler error: %w", err)
		}
	}

	logger.Info("server stopped gracefully")
	return nil
}
