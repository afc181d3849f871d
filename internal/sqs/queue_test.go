package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/queue"
	chimeredis "github.com/lalithlochan/chime/internal/redis"
)

const (
	mainURL = "https://sqs.us-east-1.amazonaws.com/123456789/chime"
	deadURL = "https://sqs.us-east-1.amazonaws.com/123456789/chime-dlq"
)

type fakeMessage struct {
	body     string
	receipt  string
	delay    int32
	received int
	hidden   bool
}

// fakeSQS delivers messages in send order and ignores DelaySeconds.
type fakeSQS struct {
	mu     sync.Mutex
	queues map[string][]*fakeMessage
	seq    int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: make(map[string][]*fakeMessage)}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], &fakeMessage{body: aws.ToString(in.MessageBody), delay: in.DelaySeconds})
	return &sqs.SendMessageOutput{MessageId: aws.String(strconv.Itoa(f.seq))}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.hidden || int32(len(out.Messages)) >= in.MaxNumberOfMessages {
			continue
		}
		f.seq++
		m.received++
		m.receipt = fmt.Sprintf("receipt-%d", f.seq)
		m.hidden = in.VisibilityTimeout > 0
		out.Messages = append(out.Messages, types.Message{
			Body:          aws.String(m.body),
			ReceiptHandle: aws.String(m.receipt),
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.received),
			},
		})
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	msgs := f.queues[url]
	for i, m := range msgs {
		if m.receipt == aws.ToString(in.ReceiptHandle) {
			f.queues[url] = append(msgs[:i], msgs[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, errors.New("receipt handle is invalid")
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.receipt == aws.ToString(in.ReceiptHandle) {
			m.hidden = in.VisibilityTimeout > 0
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, errors.New("receipt handle is invalid")
}

// expire makes every hidden message on url visible again, as if its
// visibility timeout ran out.
func (f *fakeSQS) expire(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.queues[url] {
		m.hidden = false
	}
}

func (f *fakeSQS) depth(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[url])
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var visible, hidden int
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.hidden {
			hidden++
		} else {
			visible++
		}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages):           strconv.Itoa(visible),
		string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): strconv.Itoa(hidden),
		string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed):    "0",
	}}, nil
}

func (f *fakeSQS) lastDelay(url string) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.queues[url]
	return msgs[len(msgs)-1].delay
}

func setupTestQueue(t *testing.T) (*Queue, *fakeSQS) {
	t.Helper()
	q, api, _ := setupTestQueueWithRedis(t)
	return q, api
}

func setupTestQueueWithRedis(t *testing.T) (*Queue, *fakeSQS, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := chimeredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	t.Cleanup(func() { client.Close() })

	api := newFakeSQS()
	locker := chimeredis.NewLeaseLocker(client, zap.NewNop(), "chime:sqs")
	q := NewWithClient(api, Config{QueueURL: mainURL, DLQURL: deadURL, VisibilityTimeout: time.Minute, WaitTime: 0}, locker, zap.NewNop())
	return q, api, mr
}

func TestQueue_EnqueueIsSingleFlight(t *testing.T) {
	q, api := setupTestQueue(t)
	ctx := context.Background()
	job := queue.Job{ID: uuid.New(), OwnerID: uuid.New()}

	added, err := q.Enqueue(ctx, job, queue.Options{Delay: 90 * time.Second})
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	if d := api.lastDelay(mainURL); d != 90 {
		t.Errorf("expected DelaySeconds 90, got %d", d)
	}

	added, _ = q.Enqueue(ctx, job, queue.Options{})
	if added {
		t.Error("second enqueue for the same reminder should be a no-op")
	}

	task, err := q.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v, %v", task, err)
	}
	if task.ID != job.ID || task.Attempt != 1 || task.Token == "" {
		t.Errorf("unexpected task: %+v", task)
	}

	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("ack: %v", err)
	}
	added, _ = q.Enqueue(ctx, job, queue.Options{})
	if !added {
		t.Error("ack should free the reminder for a new task")
	}
}

func TestQueue_RejectsDelayBeyondLimit(t *testing.T) {
	q, _ := setupTestQueue(t)

	_, err := q.Enqueue(context.Background(), queue.Job{ID: uuid.New()}, queue.Options{Delay: time.Hour})
	if err == nil {
		t.Fatal("expected an error for a delay over 15 minutes")
	}
	if q.MaxDelay() != MaxDelay {
		t.Errorf("MaxDelay = %v", q.MaxDelay())
	}
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	q, api := setupTestQueue(t)
	ctx := context.Background()
	job := queue.Job{ID: uuid.New(), OwnerID: uuid.New()}

	_, _ = q.Enqueue(ctx, job, queue.Options{
		MaxAttempts: 2,
		Backoff:     queue.Backoff{Base: 20 * time.Second, Max: time.Hour},
	})

	task, _ := q.Dequeue(ctx)
	dead, err := q.Retry(ctx, task, errors.New("throttled"))
	if err != nil || dead {
		t.Fatalf("first retry: dead=%v err=%v", dead, err)
	}
	if d := api.lastDelay(mainURL); d != 20 {
		t.Errorf("expected retry DelaySeconds 20, got %d", d)
	}

	added, _ := q.Enqueue(ctx, job, queue.Options{})
	if added {
		t.Error("a retrying reminder must keep its single-flight lease")
	}

	task, _ = q.Dequeue(ctx)
	if task == nil || task.Attempt != 2 || task.LastError != "throttled" {
		t.Fatalf("unexpected retried task: %+v", task)
	}

	dead, err = q.Retry(ctx, task, errors.New("throttled again"))
	if err != nil || !dead {
		t.Fatalf("second retry: dead=%v err=%v", dead, err)
	}

	buried, err := q.Dead(ctx, 10)
	if err != nil {
		t.Fatalf("dead: %v", err)
	}
	if len(buried) != 1 || buried[0].ID != job.ID || buried[0].LastError != "throttled again" {
		t.Errorf("unexpected dead tasks: %+v", buried)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.InFlight != 0 || stats.Dead != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	added, _ = q.Enqueue(ctx, job, queue.Options{})
	if !added {
		t.Error("a dead reminder should be enqueueable again")
	}
}

func TestQueue_RedeliveryWaitsForCurrentDelivery(t *testing.T) {
	q, api := setupTestQueue(t)
	ctx := context.Background()
	job := queue.Job{ID: uuid.New(), OwnerID: uuid.New()}

	_, _ = q.Enqueue(ctx, job, queue.Options{})
	first, _ := q.Dequeue(ctx)
	if first == nil || first.Delivery == "" {
		t.Fatalf("expected a fenced task, got %+v", first)
	}

	api.expire(mainURL)
	if again, err := q.Dequeue(ctx); err != nil || again != nil {
		t.Fatalf("reminder handed out twice: %v, %v", again, err)
	}

	if err := q.Extend(ctx, first); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := q.Ack(ctx, first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := api.depth(mainURL); n != 0 {
		t.Errorf("expected an empty queue, got %d messages", n)
	}
}

func TestQueue_StaleDeliveryCannotSettle(t *testing.T) {
	q, api, mr := setupTestQueueWithRedis(t)
	ctx := context.Background()
	job := queue.Job{ID: uuid.New(), OwnerID: uuid.New()}

	_, _ = q.Enqueue(ctx, job, queue.Options{MaxAttempts: 3})
	stale, _ := q.Dequeue(ctx)
	if stale == nil {
		t.Fatal("expected a task")
	}

	mr.FastForward(2 * time.Minute)
	api.expire(mainURL)
	current, _ := q.Dequeue(ctx)
	if current == nil || current.Delivery == stale.Delivery {
		t.Fatalf("expected a fresh delivery, got %+v", current)
	}

	if err := q.Extend(ctx, stale); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("stale extend: expected ErrLeaseLost, got %v", err)
	}
	if err := q.Ack(ctx, stale); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("stale ack: expected ErrLeaseLost, got %v", err)
	}
	if _, err := q.Retry(ctx, stale, errors.New("late")); !errors.Is(err, queue.ErrLeaseLost) {
		t.Errorf("stale retry: expected ErrLeaseLost, got %v", err)
	}
	if n := api.depth(mainURL); n != 1 {
		t.Fatalf("stale settle changed the queue: %d messages", n)
	}

	if err := q.Ack(ctx, current); err != nil {
		t.Fatalf("current ack: %v", err)
	}
}

func TestQueue_DropsMessageWithoutSingleFlightLease(t *testing.T) {
	q, api := setupTestQueue(t)
	ctx := context.Background()
	job := queue.Job{ID: uuid.New(), OwnerID: uuid.New()}

	_, _ = q.Enqueue(ctx, job, queue.Options{})
	task, _ := q.Dequeue(ctx)
	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if err := q.send(ctx, mainURL, Message{Task: queue.Task{ID: job.ID, OwnerID: job.OwnerID, MaxAttempts: 3}, Token: uuid.NewString()}, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, err := q.Dequeue(ctx); err != nil || got != nil {
		t.Fatalf("expected the orphaned message to be dropped, got %v, %v", got, err)
	}
	if n := api.depth(mainURL); n != 0 {
		t.Errorf("orphaned message left on the queue: %d", n)
	}
}
