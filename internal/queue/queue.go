// Package queue is the delivery queue between "a reminder is due" and "a
// reminder is sent". Tasks are keyed by reminder id: a reminder has at most
// one task queued or in flight at any time.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Queue is implemented by the Redis backend in this package and by the SQS
// backend in internal/sqs.
type Queue interface {
	// Enqueue adds a task for job. It returns false when a task for the same
	// reminder is already queued or in flight.
	Enqueue(ctx context.Context, job Job, opts Options) (bool, error)
	// Dequeue hands out the next ready task, or nil when none is ready.
	Dequeue(ctx context.Context) (*Task, error)
	// Extend pushes the visibility deadline of an in-flight task out by a
	// full visibility timeout. It returns ErrLeaseLost once the task has been
	// handed to another consumer.
	Extend(ctx context.Context, task *Task) error
	// Ack removes a finished task.
	Ack(ctx context.Context, task *Task) error
	// Retry schedules another attempt with backoff. It reports dead=true and
	// moves the task to the dead set once the attempt budget is spent.
	Retry(ctx context.Context, task *Task, cause error) (dead bool, err error)
	// Dead lists the most recent dead tasks.
	Dead(ctx context.Context, limit int) ([]*Task, error)
	Stats(ctx context.Context) (Stats, error)
	// MaxDelay is the longest Delay the backend accepts; 0 means unlimited.
	MaxDelay() time.Duration
	Close() error
}

// ErrLeaseLost is returned by Extend, Ack and Retry when the delivery the
// task belongs to is no longer the current one for its reminder.
var ErrLeaseLost = errors.New("queue: delivery lease lost")

// Job identifies the reminder a task delivers.
type Job struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`
}

// Options control when and how often a task runs.
type Options struct {
	Delay       time.Duration
	Priority    int // 1 (lowest) to 10 (highest)
	MaxAttempts int
	Backoff     Backoff
}

// Task is one queued delivery.
type Task struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"` // 1-based number of the current delivery
	MaxAttempts int       `json:"max_attempts"`
	Backoff     Backoff   `json:"backoff"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ReadyAt     time.Time `json:"ready_at"`
	LastError   string    `json:"last_error,omitempty"`
	DeadAt      time.Time `json:"dead_at,omitempty"`

	// Receipt is the backend handle for the current delivery (SQS receipt handle).
	Receipt string `json:"-"`
	// Token proves single-flight ownership on backends that dedupe outside
	// the broker.
	Token string `json:"-"`
	// Delivery fences this hand-out of the task. Only the holder of the
	// current delivery may extend, ack or retry it.
	Delivery string `json:"-"`
}

// AttemptsLeft reports whether another delivery may follow this one.
func (t *Task) AttemptsLeft() bool {
	return t.Attempt < t.MaxAttempts
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Delayed  int64 `json:"delayed"`
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

// Normalize clamps priority and fills attempt and backoff defaults.
func Normalize(opts Options) Options {
	if opts.Priority < 1 || opts.Priority > 10 {
		opts.Priority = DefaultPriority
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	opts.Backoff = opts.Backoff.withDefaults()
	return opts
}

func newTask(job Job, opts Options, now time.Time) *Task {
	return &Task{
		ID:          job.ID,
		OwnerID:     job.OwnerID,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(opts.Delay),
	}
}
