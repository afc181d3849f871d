package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/metrics"
)

type Cleaner interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type CleanupConfig struct {
	// Schedule is a standard cron expression or descriptor such as @hourly.
	Schedule      string
	OlderThanDays int
}

// Cleanup deletes inactive terminal reminders older than the retention
// window on a cron schedule.
type Cleanup struct {
	repo     Cleaner
	config   CleanupConfig
	schedule cron.Schedule
	logger   *zap.Logger
	now      func() time.Time
}

func NewCleanup(repo Cleaner, cfg CleanupConfig, logger *zap.Logger) (*Cleanup, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.OlderThanDays <= 0 {
		cfg.OlderThanDays = 30
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.Schedule, err)
	}

	return &Cleanup{
		repo:     repo,
		config:   cfg,
		schedule: sched,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start runs the job on its schedule until ctx is cancelled, then waits for
// a running pass to finish.
func (c *Cleanup) Start(ctx context.Context) error {
	cr := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{c.logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{c.logger.Sugar()})),
	)
	cr.Schedule(c.schedule, cron.FuncJob(func() {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("cleanup failed", zap.Error(err))
		}
	}))

	c.logger.Info("cleanup starting",
		zap.String("schedule", c.config.Schedule),
		zap.Int("older_than_days", c.config.OlderThanDays),
	)
	cr.Start()
	<-ctx.Done()
	<-cr.Stop().Done()
	c.logger.Info("cleanup stopping")
	return nil
}

// RunOnce deletes terminal reminders last updated before the retention cutoff.
func (c *Cleanup) RunOnce(ctx context.Context) (int64, error) {
	return Prune(ctx, c.repo, c.now(), c.config.OlderThanDays, c.logger)
}

// Prune deletes terminal, inactive reminders not updated in olderThanDays.
func Prune(ctx context.Context, repo Cleaner, now time.Time, olderThanDays int, logger *zap.Logger) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("older_than_days must not be negative, got %d", olderThanDays)
	}
	cutoff := now.AddDate(0, 0, -olderThanDays)
	n, err := repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal reminders: %w", err)
	}
	metrics.RecordCleanup(n)
	logger.Info("pruned terminal reminders",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.s.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}
