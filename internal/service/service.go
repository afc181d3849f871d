// Package service is the reminder API used by the HTTP layer: creation,
// mutation, queries, analytics and retention cleanup.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/analytics"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/reminder"
	"github.com/lalithlochan/chime/internal/scheduler"
)

type Repository interface {
	CreateReminder(ctx context.Context, rem *reminder.Reminder) error
	GetReminder(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error)
	SaveReminder(ctx context.Context, rem *reminder.Reminder) error
	DeleteReminder(ctx context.Context, id uuid.UUID) error
	ListReminders(ctx context.Context, ownerID uuid.UUID, f db.Filter, p db.Page) ([]*reminder.Reminder, int, error)
	ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]*reminder.Reminder, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateTemplate(ctx context.Context, t *db.Template) error
	GetTemplate(ctx context.Context, ownerID, id uuid.UUID) (*db.Template, error)
	CreateContact(ctx context.Context, c *db.Contact) error
}

type Config struct {
	// ClaimTTL is added to the due time when a reminder is enqueued
	// directly, so the trigger leaves it alone while the task is pending.
	ClaimTTL time.Duration
	Backoff  queue.Backoff
}

type Service struct {
	repo   Repository
	queue  queue.Queue // nil leaves every reminder to the trigger
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(repo Repository, q queue.Queue, cfg Config, logger *zap.Logger) *Service {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	return &Service{
		repo:   repo,
		queue:  q,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SendInstant creates a reminder that is due now and enqueues it at top
// priority.
func (s *Service) SendInstant(ctx context.Context, p reminder.Params) (*reminder.Reminder, error) {
	p.Schedule = reminder.Instant{}
	p.Priority = reminder.MaxPriority
	return s.create(ctx, p)
}

// Schedule creates a one-shot reminder due at remindAt.
func (s *Service) Schedule(ctx context.Context, p reminder.Params, remindAt time.Time) (*reminder.Reminder, error) {
	p.Schedule = reminder.OneShot{RemindAt: remindAt}
	return s.create(ctx, p)
}

// CreateRecurring creates a reminder that re-arms after every occurrence.
func (s *Service) CreateRecurring(ctx context.Context, p reminder.Params, rec reminder.Recurring) (*reminder.Reminder, error) {
	p.Schedule = rec
	return s.create(ctx, p)
}

// CreateEventBased creates a reminder fired relative to an event date.
func (s *Service) CreateEventBased(ctx context.Context, p reminder.Params, ev reminder.Event) (*reminder.Reminder, error) {
	p.Schedule = ev
	return s.create(ctx, p)
}

func (s *Service) create(ctx context.Context, p reminder.Params) (*reminder.Reminder, error) {
	now := s.now()
	rem, err := reminder.New(p, now)
	if err != nil {
		return nil, err
	}
	if rem.TemplateID != nil {
		if _, err := s.repo.GetTemplate(ctx, rem.OwnerID, *rem.TemplateID); err != nil {
			if errors.Is(err, db.ErrTemplateNotFound) {
				return nil, fmt.Errorf("%w: template %s does not exist", reminder.ErrValidation, rem.TemplateID)
			}
			return nil, err
		}
	}

	delay, direct := s.directDelay(rem, now)
	if direct {
		claim := rem.NextExecution.Add(s.config.ClaimTTL)
		rem.ClaimedUntil = &claim
	}

	if err := s.repo.CreateReminder(ctx, rem); err != nil {
		return nil, err
	}
	metrics.RecordReminderCreated(string(rem.Type()), string(rem.Channel))
	s.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID.String()),
		zap.String("owner_id", rem.OwnerID.String()),
		zap.String("type", string(rem.Type())),
		zap.String("channel", string(rem.Channel)),
		zap.Timep("next_execution", rem.NextExecution),
	)

	if direct {
		s.enqueue(ctx, rem, delay)
	}
	return rem, nil
}

// directDelay reports whether rem skips the trigger and how long the queue
// should hold it. Recurring reminders always go through the trigger.
func (s *Service) directDelay(rem *reminder.Reminder, now time.Time) (time.Duration, bool) {
	if s.queue == nil || rem.NextExecution == nil || rem.Type() == reminder.TypeRecurring {
		return 0, false
	}
	delay := max(rem.NextExecution.Sub(now), 0)
	if limit := s.queue.MaxDelay(); limit > 0 && delay > limit {
		return 0, false
	}
	return delay, true
}

// enqueue pushes rem onto the queue. On failure the claim is dropped and
// the trigger delivers it once due.
func (s *Service) enqueue(ctx context.Context, rem *reminder.Reminder, delay time.Duration) {
	log := s.logger.With(
		zap.String("reminder_id", rem.ID.String()),
		zap.String("owner_id", rem.OwnerID.String()),
	)
	_, err := s.queue.Enqueue(ctx, scheduler.JobFor(rem), scheduler.OptionsFor(rem, s.config.Backoff, delay))
	if err != nil {
		log.Error("direct enqueue failed, leaving reminder to the trigger", zap.Error(err))
		if rerr := s.repo.ReleaseClaim(ctx, rem.ID); rerr != nil {
			log.Error("failed to release claim", zap.Error(rerr))
		}
		return
	}
	metrics.RecordEnqueued("direct")
}

// Get returns the reminder. A non-nil ownerID scopes the lookup: another
// owner's reminder is reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error) {
	rem, err := s.repo.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != uuid.Nil && rem.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return rem, nil
}

// Update applies patch to a non-terminal reminder. A moved due time is
// enqueued directly again when the queue can hold it.
func (s *Service) Update(ctx context.Context, ownerID, id uuid.UUID, patch reminder.Patch) (*reminder.Reminder, error) {
	var (
		delay       time.Duration
		direct      bool
		rescheduled bool
	)
	rem, err := s.mutate(ctx, ownerID, id, func(rem *reminder.Reminder) error {
		now := s.now()
		var err error
		if rescheduled, err = rem.ApplyPatch(patch, now); err != nil {
			return err
		}
		delay, direct = 0, false
		if rescheduled && rem.IsActive {
			delay, direct = s.directDelay(rem, now)
			if direct {
				claim := rem.NextExecution.Add(s.config.ClaimTTL)
				rem.ClaimedUntil = &claim
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("reminder updated",
		zap.String("reminder_id", rem.ID.String()),
		zap.Bool("rescheduled", rescheduled),
	)
	if direct {
		s.enqueue(ctx, rem, delay)
	}
	return rem, nil
}

// Pause deactivates a reminder. Queued tasks become no-ops.
func (s *Service) Pause(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error) {
	return s.transition(ctx, ownerID, id, "paused", (*reminder.Reminder).Pause)
}

// Resume reactivates a paused reminder; the trigger picks it up once due.
func (s *Service) Resume(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error) {
	return s.transition(ctx, ownerID, id, "resumed", (*reminder.Reminder).Resume)
}

// Cancel stops a reminder for good.
func (s *Service) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error) {
	return s.transition(ctx, ownerID, id, "cancelled", (*reminder.Reminder).Cancel)
}

func (s *Service) transition(ctx context.Context, ownerID, id uuid.UUID, verb string, apply func(*reminder.Reminder, time.Time) error) (*reminder.Reminder, error) {
	rem, err := s.mutate(ctx, ownerID, id, func(rem *reminder.Reminder) error {
		return apply(rem, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("reminder "+verb,
		zap.String("reminder_id", rem.ID.String()),
		zap.String("owner_id", rem.OwnerID.String()),
	)
	return rem, nil
}

// saveAttempts bounds how often mutate starts over after a conflict.
const saveAttempts = 3

// mutate loads the reminder, applies change and saves it. A save that loses
// to a concurrent write starts over from a fresh read; change must be safe
// to run more than once.
func (s *Service) mutate(ctx context.Context, ownerID, id uuid.UUID, change func(*reminder.Reminder) error) (*reminder.Reminder, error) {
	for attempt := 1; ; attempt++ {
		rem, err := s.Get(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		if err := change(rem); err != nil {
			return nil, err
		}
		err = s.repo.SaveReminder(ctx, rem)
		if err == nil {
			return rem, nil
		}
		if !errors.Is(err, reminder.ErrConflict) || attempt == saveAttempts {
			return nil, err
		}
		s.logger.Debug("reminder changed concurrently, reapplying",
			zap.String("reminder_id", id.String()),
			zap.Int("attempt", attempt),
		)
	}
}

// Delete hard-deletes a reminder in any status.
func (s *Service) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.DeleteReminder(ctx, id); err != nil {
		return err
	}
	s.logger.Info("reminder deleted", zap.String("reminder_id", id.String()))
	return nil
}

// ListResult is one page of reminders.
type ListResult struct {
	Items []*reminder.Reminder `json:"data"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

func (s *Service) List(ctx context.Context, ownerID uuid.UUID, f db.Filter, p db.Page) (*ListResult, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner_id is required", reminder.ErrValidation)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, fmt.Errorf("%w: to must not be before from", reminder.ErrValidation)
	}
	p = p.Normalize()
	items, total, err := s.repo.ListReminders(ctx, ownerID, f, p)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*reminder.Reminder{}
	}
	return &ListResult{Items: items, Total: total, Page: p.Page, Limit: p.Limit}, nil
}

// Analytics summarises every reminder of ownerID.
func (s *Service) Analytics(ctx context.Context, ownerID uuid.UUID) (analytics.Summary, error) {
	if ownerID == uuid.Nil {
		return analytics.Summary{}, fmt.Errorf("%w: owner_id is required", reminder.ErrValidation)
	}
	records, err := s.repo.ListForOwner(ctx, ownerID)
	if err != nil {
		return analytics.Summary{}, err
	}
	return analytics.Compute(records, s.now()), nil
}

// CleanupCompleted hard-deletes terminal, inactive reminders not updated in
// olderThanDays days.
func (s *Service) CleanupCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: older_than_days must not be negative", reminder.ErrValidation)
	}
	return scheduler.Prune(ctx, s.repo, s.now(), olderThanDays, s.logger)
}
