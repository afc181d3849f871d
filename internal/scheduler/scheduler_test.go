package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/reminder"
)

type enqueued struct {
	job  queue.Job
	opts queue.Options
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	for _, e := range q.jobs {
		if e.job.ID == job.ID {
			return false, nil
		}
	}
	q.jobs = append(q.jobs, enqueued{job: job, opts: opts})
	return true, nil
}

func (q *recordingQueue) Dequeue(context.Context) (*queue.Task, error)            { return nil, nil }
func (q *recordingQueue) Extend(context.Context, *queue.Task) error               { return nil }
func (q *recordingQueue) Ack(context.Context, *queue.Task) error                  { return nil }
func (q *recordingQueue) Retry(context.Context, *queue.Task, error) (bool, error) { return false, nil }
func (q *recordingQueue) Dead(context.Context, int) ([]*queue.Task, error)        { return nil, nil }
func (q *recordingQueue) Stats(context.Context) (queue.Stats, error)              { return queue.Stats{}, nil }
func (q *recordingQueue) MaxDelay() time.Duration                                 { return 0 }
func (q *recordingQueue) Close() error                                            { return nil }

func createReminder(t *testing.T, repo *db.MemoryRepository, p reminder.Params, now time.Time) *reminder.Reminder {
	t.Helper()
	if p.OwnerID == uuid.Nil {
		p.OwnerID = uuid.New()
	}
	if p.Channel == "" {
		p.Channel = reminder.ChannelEmail
		p.Recipients = reminder.Recipients{Email: "user@example.com"}
	}
	if p.Message == "" {
		p.Message = "hello"
	}
	rem, err := reminder.New(p, now)
	if err != nil {
		t.Fatalf("new reminder: %v", err)
	}
	if err := repo.CreateReminder(context.Background(), rem); err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	return rem
}

func TestTrigger_EnqueuesDueReminders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := db.NewMemoryRepository()
	q := &recordingQueue{}

	retries := 0
	due := createReminder(t, repo, reminder.Params{
		Schedule:   reminder.OneShot{RemindAt: now.Add(time.Minute)},
		Priority:   8,
		MaxRetries: &retries,
	}, now)
	later := createReminder(t, repo, reminder.Params{Schedule: reminder.OneShot{RemindAt: now.Add(time.Hour)}}, now)

	trig := NewTrigger(repo, q, Config{Backoff: queue.Backoff{Base: time.Second}}, zap.NewNop())
	trig.now = func() time.Time { return now.Add(2 * time.Minute) }

	if n := trig.RunOnce(ctx); n != 1 {
		t.Fatalf("expected 1 enqueued, got %d", n)
	}
	got := q.jobs[0]
	if got.job.ID != due.ID || got.job.OwnerID != due.OwnerID {
		t.Errorf("unexpected job %+v", got.job)
	}
	if got.opts.Priority != 8 {
		t.Errorf("priority = %d, want 8", got.opts.Priority)
	}
	if got.opts.MaxAttempts != 1 {
		t.Errorf("max attempts = %d, want at least one attempt", got.opts.MaxAttempts)
	}
	if got.opts.Backoff.Base != time.Second {
		t.Errorf("backoff not carried: %+v", got.opts.Backoff)
	}

	stored, _ := repo.GetReminder(ctx, due.ID)
	if stored.ClaimedUntil == nil {
		t.Error("enqueued reminder should hold a claim")
	}
	untouched, _ := repo.GetReminder(ctx, later.ID)
	if untouched.ClaimedUntil != nil {
		t.Error("reminder that is not due must not be claimed")
	}

	if n := trig.RunOnce(ctx); n != 0 {
		t.Errorf("claimed reminder enqueued twice: %d", n)
	}
}

func TestTrigger_ReleasesClaimOnEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := db.NewMemoryRepository()
	q := &recordingQueue{err: errors.New("redis down")}

	rem := createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}}, now)

	trig := NewTrigger(repo, q, Config{}, zap.NewNop())
	trig.now = func() time.Time { return now }

	if n := trig.RunOnce(ctx); n != 0 {
		t.Fatalf("expected nothing enqueued, got %d", n)
	}
	stored, _ := repo.GetReminder(ctx, rem.ID)
	if stored.ClaimedUntil != nil {
		t.Error("claim should be released when enqueue fails")
	}

	q.err = nil
	if n := trig.RunOnce(ctx); n != 1 {
		t.Errorf("released reminder should be enqueued on the next pass, got %d", n)
	}
}

func TestTrigger_DrainsFullBatches(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := db.NewMemoryRepository()
	q := &recordingQueue{}

	for i := 0; i < 7; i++ {
		createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}}, now)
	}

	trig := NewTrigger(repo, q, Config{BatchSize: 3, MaxRounds: 2}, zap.NewNop())
	trig.now = func() time.Time { return now }

	if n := trig.RunOnce(ctx); n != 6 {
		t.Errorf("expected two full batches, got %d", n)
	}
	if n := trig.RunOnce(ctx); n != 1 {
		t.Errorf("expected the remainder on the next pass, got %d", n)
	}
}

func TestTrigger_PriorityOrderOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := time.Now()
	repo := db.NewMemoryRepository()
	q := queue.NewRedisQueue(rdb, queue.RedisConfig{}, zap.NewNop())

	low := createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}, Priority: 2}, now)
	high := createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}, Priority: 9}, now)

	trig := NewTrigger(repo, q, Config{}, zap.NewNop())
	if n := trig.RunOnce(ctx); n != 2 {
		t.Fatalf("expected 2 enqueued, got %d", n)
	}

	first, err := q.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("dequeue: %v, %v", first, err)
	}
	if first.ID != high.ID {
		t.Errorf("expected high priority reminder first, got %s (low is %s)", first.ID, low.ID)
	}
}

func TestTrigger_StartStopsOnCancel(t *testing.T) {
	repo := db.NewMemoryRepository()
	trig := NewTrigger(repo, &recordingQueue{}, Config{Interval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trig.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger did not stop")
	}
}

func TestCleanup_RunOnce(t *testing.T) {
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := db.NewMemoryRepository()
	repo.SetClock(func() time.Time { return old })

	sent := createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}}, old)
	sent.ApplyOutcome(reminder.Outcome{At: old, Success: true})
	if err := repo.SaveReminder(ctx, sent); err != nil {
		t.Fatalf("save: %v", err)
	}
	pending := createReminder(t, repo, reminder.Params{Schedule: reminder.Instant{}}, old)

	c, err := NewCleanup(repo, CleanupConfig{OlderThanDays: 30}, zap.NewNop())
	if err != nil {
		t.Fatalf("new cleanup: %v", err)
	}

	c.now = func() time.Time { return old.AddDate(0, 0, 10) }
	if n, _ := c.RunOnce(ctx); n != 0 {
		t.Errorf("reminder inside the retention window was deleted")
	}

	c.now = func() time.Time { return old.AddDate(0, 0, 31) }
	n, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if _, err := repo.GetReminder(ctx, pending.ID); err != nil {
		t.Errorf("pending reminder must survive: %v", err)
	}
}

func TestNewCleanup_RejectsBadSchedule(t *testing.T) {
	if _, err := NewCleanup(db.NewMemoryRepository(), CleanupConfig{Schedule: "every tuesday"}, zap.NewNop()); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}

func TestPrune_RejectsNegativeDays(t *testing.T) {
	if _, err := Prune(context.Background(), db.NewMemoryRepository(), time.Now(), -1, zap.NewNop()); err == nil {
		t.Error("expected an error for negative days")
	}
}
