// Package sqs is the Amazon SQS backend of queue.Queue. SQS has no
// per-key dedupe for standard queues, so single-flight per reminder is
// enforced with a Redis lease whose token travels in the message body.
// A second, shorter lease fences each delivery: a receive only becomes a
// task while it holds the reminder's delivery lease.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/queue"
	chimeredis "github.com/lalithlochan/chime/internal/redis"
)

// MaxDelay is the SQS limit on DelaySeconds.
const MaxDelay = 15 * time.Minute

// Config holds SQS configuration.
type Config struct {
	Region            string
	Endpoint          string // LocalStack
	QueueURL          string
	DLQURL            string
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
}

// API is the part of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Locker grants the per-reminder single-flight and delivery leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*chimeredis.Lease, error)
	Resume(key, token string) *chimeredis.Lease
	Owns(ctx context.Context, lease *chimeredis.Lease) (bool, error)
	Extend(ctx context.Context, lease *chimeredis.Lease, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lease *chimeredis.Lease) error
}

// Message is the body sent to SQS.
type Message struct {
	Task  queue.Task `json:"task"`
	Token string     `json:"token"`
}

// Queue implements queue.Queue on SQS.
type Queue struct {
	client     API
	locker     Locker
	logger     *zap.Logger
	queueURL   string
	dlqURL     string
	visibility time.Duration
	wait       time.Duration
	now        func() time.Time
}

// New loads AWS configuration and returns a queue.
func New(ctx context.Context, cfg Config, locker Locker, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.String("dlq_url", cfg.DLQURL),
	)
	return NewWithClient(client, cfg, locker, logger), nil
}

// NewWithClient wires a queue to an existing client.
func NewWithClient(client API, cfg Config, locker Locker, logger *zap.Logger) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.WaitTime < 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	return &Queue{
		client:     client,
		locker:     locker,
		logger:     logger,
		queueURL:   cfg.QueueURL,
		dlqURL:     cfg.DLQURL,
		visibility: cfg.VisibilityTimeout,
		wait:       cfg.WaitTime,
		now:        time.Now,
	}
}

// leaseTTL covers the initial delay plus every attempt at its worst case.
func (q *Queue) leaseTTL(delay time.Duration, attempts int) time.Duration {
	return delay + time.Duration(attempts)*(q.visibility+MaxDelay)
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job, opts queue.Options) (bool, error) {
	if opts.Delay > MaxDelay {
		return false, fmt.Errorf("sqs delay %s exceeds %s", opts.Delay, MaxDelay)
	}
	opts = queue.Normalize(opts)

	lease, err := q.locker.Acquire(ctx, job.ID.String(), q.leaseTTL(opts.Delay, opts.MaxAttempts))
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", job.ID, err)
	}
	if lease == nil {
		q.logger.Debug("task already queued", zap.String("reminder_id", job.ID.String()))
		return false, nil
	}

	now := q.now()
	task := queue.Task{
		ID:          job.ID,
		OwnerID:     job.OwnerID,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(opts.Delay),
	}
	if err := q.send(ctx, q.queueURL, Message{Task: task, Token: lease.Token}, opts.Delay); err != nil {
		if rerr := q.locker.Release(ctx, lease); rerr != nil {
			q.logger.Warn("failed to release lease", zap.Error(rerr))
		}
		return false, err
	}
	return true, nil
}

func (q *Queue) send(ctx context.Context, url string, msg Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(min(delay, MaxDelay) / time.Second),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("reminder_id", msg.Task.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Dequeue long-polls for up to WaitTime.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Task, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.wait / time.Second),
		VisibilityTimeout:   int32(q.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	raw := result.Messages[0]
	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		q.logger.Error("dropping undecodable message", zap.Error(err))
		q.delete(ctx, q.queueURL, aws.ToString(raw.ReceiptHandle))
		return nil, fmt.Errorf("invalid message format: %w", err)
	}

	received := 1
	if n, err := strconv.Atoi(raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		received = n
	}

	task := msg.Task
	task.Attempt += received
	task.Receipt = aws.ToString(raw.ReceiptHandle)
	task.Token = msg.Token
	id := task.ID.String()

	current, err := q.locker.Owns(ctx, q.lease(&task))
	if err != nil {
		return nil, fmt.Errorf("check lease for %s: %w", id, err)
	}
	if !current {
		q.logger.Warn("dropping message that lost its single-flight lease", zap.String("reminder_id", id))
		if err := q.delete(ctx, q.queueURL, task.Receipt); err != nil {
			q.logger.Warn("failed to drop stale message", zap.String("reminder_id", id), zap.Error(err))
		}
		return nil, nil
	}

	delivery, err := q.locker.Acquire(ctx, deliveryKey(task.ID.String()), q.visibility)
	if err != nil {
		return nil, fmt.Errorf("acquire delivery lease for %s: %w", id, err)
	}
	if delivery == nil {
		// the message stays hidden until its visibility runs out
		q.logger.Debug("reminder already in delivery", zap.String("reminder_id", id))
		return nil, nil
	}
	task.Delivery = delivery.Token
	return &task, nil
}

func deliveryKey(id string) string { return "delivery:" + id }

func (q *Queue) deliveryLease(task *queue.Task) *chimeredis.Lease {
	return q.locker.Resume(deliveryKey(task.ID.String()), task.Delivery)
}

// fence fails with queue.ErrLeaseLost unless task is the current delivery.
func (q *Queue) fence(ctx context.Context, task *queue.Task) error {
	ok, err := q.locker.Owns(ctx, q.deliveryLease(task))
	if err != nil {
		return fmt.Errorf("check delivery lease for %s: %w", task.ID, err)
	}
	if !ok {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) release(ctx context.Context, lease *chimeredis.Lease, id string) {
	if err := q.locker.Release(ctx, lease); err != nil {
		q.logger.Warn("failed to release lease", zap.String("reminder_id", id), zap.Error(err))
	}
}

// Extend renews the delivery lease and hides the message for another
// visibility timeout.
func (q *Queue) Extend(ctx context.Context, task *queue.Task) error {
	ok, err := q.locker.Extend(ctx, q.deliveryLease(task), q.visibility)
	if err != nil {
		return fmt.Errorf("extend delivery lease for %s: %w", task.ID, err)
	}
	if !ok {
		return queue.ErrLeaseLost
	}
	remaining := max(1, task.MaxAttempts-task.Attempt+1)
	if _, err := q.locker.Extend(ctx, q.lease(task), q.leaseTTL(0, remaining)); err != nil {
		q.logger.Warn("failed to extend lease", zap.String("reminder_id", task.ID.String()), zap.Error(err))
	}

	_, err = q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(task.Receipt),
		VisibilityTimeout: int32(q.visibility / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

func (q *Queue) delete(ctx context.Context, url, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

func (q *Queue) lease(task *queue.Task) *chimeredis.Lease {
	return q.locker.Resume(task.ID.String(), task.Token)
}

func (q *Queue) Ack(ctx context.Context, task *queue.Task) error {
	if err := q.fence(ctx, task); err != nil {
		return err
	}
	return q.ack(ctx, task)
}

func (q *Queue) ack(ctx context.Context, task *queue.Task) error {
	if err := q.delete(ctx, q.queueURL, task.Receipt); err != nil {
		return err
	}
	id := task.ID.String()
	q.release(ctx, q.lease(task), id)
	q.release(ctx, q.deliveryLease(task), id)
	return nil
}

// Retry sends the next attempt as a fresh message. Backoff longer than
// MaxDelay is cut to MaxDelay.
func (q *Queue) Retry(ctx context.Context, task *queue.Task, cause error) (bool, error) {
	if err := q.fence(ctx, task); err != nil {
		return false, err
	}
	now := q.now()
	if cause != nil {
		task.LastError = cause.Error()
	}
	next := *task
	next.Receipt, next.Token, next.Delivery = "", "", ""

	if !task.AttemptsLeft() {
		next.DeadAt = now
		if q.dlqURL != "" {
			if err := q.send(ctx, q.dlqURL, Message{Task: next}, 0); err != nil {
				return false, err
			}
		}
		if err := q.ack(ctx, task); err != nil {
			return false, err
		}
		q.logger.Warn("task exhausted its attempts",
			zap.String("reminder_id", task.ID.String()),
			zap.Int("attempts", task.Attempt),
			zap.String("last_error", task.LastError),
		)
		return true, nil
	}

	delay := min(task.Backoff.Delay(task.Attempt), MaxDelay)
	next.ReadyAt = now.Add(delay)
	if err := q.send(ctx, q.queueURL, Message{Task: next, Token: task.Token}, delay); err != nil {
		return false, err
	}
	if err := q.delete(ctx, q.queueURL, task.Receipt); err != nil {
		return false, err
	}
	remaining := task.MaxAttempts - task.Attempt
	if _, err := q.locker.Extend(ctx, q.lease(task), q.leaseTTL(delay, remaining)); err != nil {
		q.logger.Warn("failed to extend lease", zap.String("reminder_id", task.ID.String()), zap.Error(err))
	}
	q.release(ctx, q.deliveryLease(task), task.ID.String())
	return false, nil
}

// Dead peeks at up to ten messages of the dead-letter queue without
// hiding them from other readers.
func (q *Queue) Dead(ctx context.Context, limit int) ([]*queue.Task, error) {
	if q.dlqURL == "" {
		return []*queue.Task{}, nil
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.dlqURL),
		MaxNumberOfMessages: int32(limit),
		VisibilityTimeout:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive dead failed: %w", err)
	}

	out := make([]*queue.Task, 0, len(result.Messages))
	for _, raw := range result.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
			q.logger.Warn("skipping undecodable dead message", zap.Error(err))
			continue
		}
		task := msg.Task
		out = append(out, &task)
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	attrs, err := q.attributes(ctx, q.queueURL,
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
	)
	if err != nil {
		return queue.Stats{}, err
	}
	stats := queue.Stats{
		Ready:    count(attrs, types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: count(attrs, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:  count(attrs, types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}

	if q.dlqURL != "" {
		dead, err := q.attributes(ctx, q.dlqURL, types.QueueAttributeNameApproximateNumberOfMessages)
		if err != nil {
			return queue.Stats{}, err
		}
		stats.Dead = count(dead, types.QueueAttributeNameApproximateNumberOfMessages)
	}
	return stats, nil
}

func (q *Queue) attributes(ctx context.Context, url string, names ...types.QueueAttributeName) (map[string]string, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: names,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs attributes failed: %w", err)
	}
	return out.Attributes, nil
}

func count(attrs map[string]string, name types.QueueAttributeName) int64 {
	n, _ := strconv.ParseInt(attrs[string(name)], 10, 64)
	return n
}

func (q *Queue) MaxDelay() time.Duration { return MaxDelay }

// Close is a no-op; AWS SDK v2 clients hold no connections to release.
func (q *Queue) Close() error { return nil }
