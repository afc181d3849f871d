// Package scheduler moves due reminders from the database onto the delivery
// queue and prunes old terminal records.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/reminder"
)

type Repository interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, ttl time.Duration) ([]*reminder.Reminder, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// ClaimTTL is how long a claimed reminder stays owned by the queue path
	// before the trigger may pick it up again.
	ClaimTTL time.Duration
	Backoff  queue.Backoff
	// MaxRounds bounds how many full batches one pass drains.
	MaxRounds int
}

// Trigger polls for due reminders and enqueues one task per reminder.
type Trigger struct {
	repo   Repository
	queue  queue.Queue
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func NewTrigger(repo Repository, q queue.Queue, cfg Config, logger *zap.Logger) *Trigger {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}

	return &Trigger{
		repo:   repo,
		queue:  q,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (t *Trigger) Start(ctx context.Context) error {
	t.logger.Info("trigger starting",
		zap.Duration("interval", t.config.Interval),
		zap.Int("batch_size", t.config.BatchSize),
	)
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		t.RunOnce(ctx)
		select {
		case <-ctx.Done():
			t.logger.Info("trigger stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and enqueues due reminders, draining full batches up to
// MaxRounds. It returns the number of tasks enqueued.
func (t *Trigger) RunOnce(ctx context.Context) int {
	total := 0
	for round := 0; round < t.config.MaxRounds && ctx.Err() == nil; round++ {
		claimed, err := t.repo.ClaimDue(ctx, t.now(), t.config.BatchSize, t.config.ClaimTTL)
		if err != nil {
			t.logger.Error("failed to claim due reminders", zap.Error(err))
			return total
		}
		metrics.RecordClaimed(len(claimed))
		if len(claimed) == 0 {
			break
		}

		for _, rem := range claimed {
			if t.enqueue(ctx, rem) {
				total++
			}
		}
		if len(claimed) < t.config.BatchSize {
			break
		}
	}
	if total > 0 {
		t.logger.Info("enqueued due reminders", zap.Int("count", total))
	}
	return total
}

func (t *Trigger) enqueue(ctx context.Context, rem *reminder.Reminder) bool {
	log := t.logger.With(
		zap.String("reminder_id", rem.ID.String()),
		zap.String("owner_id", rem.OwnerID.String()),
	)

	added, err := t.queue.Enqueue(ctx, JobFor(rem), OptionsFor(rem, t.config.Backoff, 0))
	if err != nil {
		log.Error("failed to enqueue reminder, releasing claim", zap.Error(err))
		if rerr := t.repo.ReleaseClaim(ctx, rem.ID); rerr != nil {
			log.Error("failed to release claim", zap.Error(rerr))
		}
		return false
	}
	if !added {
		// a task for this reminder is still queued or in flight
		log.Debug("reminder already queued")
		return false
	}
	metrics.RecordEnqueued("trigger")
	return true
}

// JobFor identifies the task that delivers rem.
func JobFor(rem *reminder.Reminder) queue.Job {
	return queue.Job{ID: rem.ID, OwnerID: rem.OwnerID}
}

// OptionsFor derives queue options from the reminder: its priority, and
// MaxRetries as the attempt budget with at least one attempt.
func OptionsFor(rem *reminder.Reminder, backoff queue.Backoff, delay time.Duration) queue.Options {
	return queue.Options{
		Delay:       delay,
		Priority:    rem.Priority,
		MaxAttempts: max(1, rem.MaxRetries),
		Backoff:     backoff,
	}
}
