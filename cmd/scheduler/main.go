package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/chime/internal/api"
	"github.com/lalithlochan/chime/internal/app"
	"github.com/lalithlochan/chime/internal/config"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store == "memory" {
		return errors.New("STORE=memory is process-local; run the gateway alone instead")
	}
	if cfg.DBAppName == "" {
		cfg.DBAppName = "chime-scheduler"
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting chime scheduler",
		zap.String("env", cfg.Env),
		zap.String("queue", cfg.QueueBackend),
		zap.Int("workers", cfg.WorkerConcurrency),
		zap.Duration("trigger_interval", cfg.TriggerInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	ch, err := app.NewChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pub, err := app.NewPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Admin endpoints: health with breaker state, and metrics
	r := chi.NewRouter()
	r.Get("/health", api.HealthHandler(deps.Checks(), ch.BreakerStats))
	r.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		deps.SamplePools(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		return app.RunBackground(gctx, deps, cfg, ch, pub, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("scheduler stopped gracefully")
	return nil
}
