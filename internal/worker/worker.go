// Package worker pulls delivery tasks off the queue and sends reminders to
// every recipient over their channels.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/chime/internal/channel"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/events"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/reminder"
	"github.com/lalithlochan/chime/internal/scheduler"
)

type Repository interface {
	GetReminder(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error)
	SaveReminder(ctx context.Context, rem *reminder.Reminder) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	GetTemplate(ctx context.Context, ownerID, id uuid.UUID) (*db.Template, error)
	GetTemplateByName(ctx context.Context, ownerID uuid.UUID, name, channel string) (*db.Template, error)
	FindContact(ctx context.Context, ownerID uuid.UUID, identifier string) (*db.Contact, error)
}

type Config struct {
	Concurrency   int
	PollInterval  time.Duration // wait when the queue is empty
	StatsInterval time.Duration // queue depth sampling
	// HeartbeatInterval is how often a running dispatch extends its task.
	// It must be well below the queue visibility timeout.
	HeartbeatInterval time.Duration
	// ClaimTTL is added to the retry time of a failed attempt so the trigger
	// leaves the reminder to the queued retry.
	ClaimTTL time.Duration
}

// saveAttempts bounds the re-read and re-apply loop on concurrent writes.
const saveAttempts = 3

type Worker struct {
	repo     Repository
	queue    queue.Queue
	email    channel.EmailSender
	sms      channel.SMSSender
	events   events.Publisher
	renderer *channel.Renderer
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo Repository, q queue.Queue, email channel.EmailSender, sms channel.SMSSender, pub events.Publisher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}

	return &Worker{
		repo:     repo,
		queue:    q,
		email:    email,
		sms:      sms,
		events:   pub,
		renderer: channel.NewRenderer(),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs Concurrency consumers and a queue depth sampler until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker starting", zap.Int("concurrency", w.config.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.sampleQueue(ctx)
		return nil
	})

	err := g.Wait()
	w.logger.Info("worker stopping")
	return err
}

func (w *Worker) consume(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("failed to dequeue task", zap.Error(err))
			}
			w.wait(ctx)
			continue
		}
		if task == nil {
			w.wait(ctx)
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) wait(ctx context.Context) {
	t := time.NewTimer(w.config.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) sampleQueue(ctx context.Context) {
	ticker := time.NewTicker(w.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := w.queue.Stats(ctx)
			if err != nil {
				w.logger.Warn("failed to sample queue depth", zap.Error(err))
				continue
			}
			metrics.SetQueueDepth(s.Delayed, s.Ready, s.InFlight, s.Dead)
		}
	}
}

// process handles one task end to end. It never panics.
func (w *Worker) process(ctx context.Context, task *queue.Task) {
	metrics.WorkerBusy()
	defer metrics.WorkerIdle()

	log := w.logger.With(
		zap.String("reminder_id", task.ID.String()),
		zap.String("owner_id", task.OwnerID.String()),
		zap.Int("attempt", task.Attempt),
	)

	rem, err := w.repo.GetReminder(ctx, task.ID)
	if errors.Is(err, reminder.ErrNotFound) {
		log.Info("reminder no longer exists, dropping task")
		w.skip(ctx, task, log)
		return
	}
	if err != nil {
		log.Error("failed to load reminder", zap.Error(err))
		if _, rerr := w.queue.Retry(ctx, task, err); rerr != nil {
			log.Error("failed to retry task", zap.Error(rerr))
		}
		return
	}

	if !rem.Dispatchable() {
		log.Debug("reminder not dispatchable, dropping task", zap.String("status", string(rem.Status)))
		w.skip(ctx, task, log)
		return
	}
	started := w.now()
	if !rem.Due(started) {
		w.requeue(ctx, task, rem, started, log)
		return
	}
	metrics.RecordDispatchLag(string(rem.Channel), started.Sub(*rem.NextExecution))

	if err := w.queue.Extend(ctx, task); errors.Is(err, queue.ErrLeaseLost) {
		metrics.RecordAttempt("abandoned")
		log.Warn("task handed to another consumer before dispatch")
		return
	} else if err != nil {
		log.Warn("failed to extend task", zap.Error(err))
	}

	dctx, release := w.hold(ctx, task, log)
	res := w.dispatch(dctx, rem, log)
	if !release() {
		metrics.RecordAttempt("abandoned")
		log.Warn("task handed to another consumer during dispatch, outcome dropped",
			zap.Int("delivered", res.delivered()),
		)
		return
	}
	w.complete(ctx, task, res, log)
}

// hold extends task every HeartbeatInterval while a dispatch runs. The
// returned context is cancelled once the task is lost to another consumer.
// release stops the heartbeat and reports whether the task is still held.
func (w *Worker) hold(ctx context.Context, task *queue.Task, log *zap.Logger) (context.Context, func() bool) {
	hctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				err := w.queue.Extend(hctx, task)
				if errors.Is(err, queue.ErrLeaseLost) {
					lost.Store(true)
					cancel()
					return
				}
				if err != nil && hctx.Err() == nil {
					log.Warn("failed to extend task", zap.Error(err))
				}
			}
		}
	}()

	return hctx, func() bool {
		cancel()
		<-done
		return !lost.Load()
	}
}

func (w *Worker) skip(ctx context.Context, task *queue.Task, log *zap.Logger) {
	metrics.RecordAttempt("skipped")
	w.ack(ctx, task, log)
}

// requeue replaces a task that arrived before its reminder is due with one
// ready at the due time. When the queue cannot hold the remaining delay the
// claim is dropped and the trigger takes over.
func (w *Worker) requeue(ctx context.Context, task *queue.Task, rem *reminder.Reminder, now time.Time, log *zap.Logger) {
	if rem.NextExecution == nil {
		w.skip(ctx, task, log)
		return
	}
	metrics.RecordAttempt("requeued")
	if err := w.queue.Ack(ctx, task); err != nil {
		log.Error("failed to ack task", zap.Error(err))
		return
	}

	delay := rem.NextExecution.Sub(now)
	if limit := w.queue.MaxDelay(); limit <= 0 || delay <= limit {
		_, err := w.queue.Enqueue(ctx, scheduler.JobFor(rem), scheduler.OptionsFor(rem, task.Backoff, delay))
		if err == nil {
			log.Debug("reminder not due yet, task requeued", zap.Timep("next_execution", rem.NextExecution))
			return
		}
		log.Warn("failed to requeue task", zap.Error(err))
	}
	if err := w.repo.ReleaseClaim(ctx, rem.ID); err != nil {
		log.Error("failed to release claim", zap.Error(err))
	}
}

// complete saves the outcome to the record, then settles the task.
func (w *Worker) complete(ctx context.Context, task *queue.Task, res result, log *zap.Logger) {
	outcome := reminder.Outcome{At: w.now(), Success: res.success()}
	cause := res.err()
	if cause != nil {
		outcome.Err = cause.Error()
		outcome.Exhausted = !task.AttemptsLeft()
	}

	current, err := w.record(ctx, task, outcome, log)
	if errors.Is(err, reminder.ErrNotFound) {
		log.Warn("reminder vanished during dispatch", zap.Error(err))
		w.ack(ctx, task, log)
		return
	}
	if err != nil {
		log.Error("failed to save reminder", zap.Error(err))
	}

	if outcome.Success {
		w.ack(ctx, task, log)
	} else if _, err := w.queue.Retry(ctx, task, cause); err != nil {
		log.Error("failed to retry task", zap.Error(err))
	}
	if current == nil {
		return
	}

	switch {
	case outcome.Success:
		metrics.RecordAttempt("success")
		log.Info("reminder dispatched",
			zap.String("status", string(current.Status)),
			zap.Int("delivered", res.delivered()),
			zap.Int("recipients", res.recipients()),
		)
	case outcome.Exhausted:
		metrics.RecordAttempt("dead")
		log.Warn("reminder failed, attempts exhausted",
			zap.String("status", string(current.Status)),
			zap.Error(cause),
		)
	default:
		metrics.RecordAttempt("retry")
		log.Warn("reminder dispatch failed, will retry", zap.Error(cause))
	}

	w.publish(ctx, current, task, outcome, res, log)
}

// record applies o to a fresh copy of the reminder and saves it, starting
// over when a concurrent write wins. A paused or cancelled reminder only
// gets its counters updated.
func (w *Worker) record(ctx context.Context, task *queue.Task, o reminder.Outcome, log *zap.Logger) (*reminder.Reminder, error) {
	for attempt := 1; ; attempt++ {
		current, err := w.repo.GetReminder(ctx, task.ID)
		if err != nil {
			return nil, err
		}

		if current.Dispatchable() {
			if err := current.ApplyOutcome(o); err != nil {
				log.Error("failed to apply outcome", zap.Error(err))
			}
			if !o.Final() {
				claim := o.At.Add(w.retryDelay(task) + w.config.ClaimTTL)
				current.ClaimedUntil = &claim
			}
		} else {
			current.RecordAttempt(o)
		}

		err = w.repo.SaveReminder(ctx, current)
		if !errors.Is(err, reminder.ErrConflict) || attempt == saveAttempts {
			return current, err
		}
		log.Debug("reminder changed during save, reapplying outcome", zap.Int("attempt", attempt))
	}
}

// retryDelay is the backoff the queue applies after the current attempt.
func (w *Worker) retryDelay(task *queue.Task) time.Duration {
	d := task.Backoff.Delay(task.Attempt)
	if limit := w.queue.MaxDelay(); limit > 0 {
		d = min(d, limit)
	}
	return d
}

func (w *Worker) ack(ctx context.Context, task *queue.Task, log *zap.Logger) {
	if err := w.queue.Ack(ctx, task); err != nil {
		log.Error("failed to ack task", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, rem *reminder.Reminder, task *queue.Task, o reminder.Outcome, res result, log *zap.Logger) {
	typ := events.TypeFailed
	switch {
	case rem.Status == reminder.StatusCompleted:
		typ = events.TypeCompleted
	case o.Success:
		typ = events.TypeDispatched
	}

	err := w.events.Publish(ctx, events.Event{
		Type:       typ,
		ReminderID: rem.ID,
		OwnerID:    rem.OwnerID,
		Channel:    string(rem.Channel),
		Recipients: res.recipients(),
		Delivered:  res.delivered(),
		Attempt:    task.Attempt,
		Error:      o.Err,
		OccurredAt: o.At,
	})
	if err != nil {
		log.Warn("failed to publish usage event", zap.Error(err))
	}
}

// dispatch sends over every channel the reminder uses. A panic anywhere
// below is turned into a failed attempt.
func (w *Worker) dispatch(ctx context.Context, rem *reminder.Reminder, log *zap.Logger) (res result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic during dispatch", zap.Any("panic", p), zap.Stack("stack"))
			res.panicked = fmt.Errorf("panic during dispatch: %v", p)
		}
	}()

	if targets := rem.EmailTargets(); targets != nil {
		res.legs = append(res.legs, w.sendEmails(ctx, rem, targets, log))
	}
	if targets := rem.PhoneTargets(); targets != nil {
		res.legs = append(res.legs, w.sendSMS(ctx, rem, targets, log))
	}
	return res
}
