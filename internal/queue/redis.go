package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scores in the ready set order by priority first, then by ready time.
// A millisecond timestamp stays below 1e13 until the year 2286.
const priorityStride = 1e13

// enqueueScript inserts a task unless one with the same id exists. A
// delayed duplicate that is not waiting out a retry is moved to the new
// ready time, earlier or later, and takes the new body and priority.
// KEYS: task, delayed, ready, priorities, retrying
// ARGV: id, body, readyAtMs, nowMs, readyScore, priority
var enqueueScript = redis.NewScript(`
local function insert()
	redis.call('SET', KEYS[1], ARGV[2])
	redis.call('HSET', KEYS[4], ARGV[1], ARGV[6])
	if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
		redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	else
		redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
	end
end

if redis.call('EXISTS', KEYS[1]) == 1 then
	if redis.call('SISMEMBER', KEYS[5], ARGV[1]) == 1 then
		return 0
	end
	local cur = redis.call('ZSCORE', KEYS[2], ARGV[1])
	if not cur or tonumber(cur) == tonumber(ARGV[3]) then
		return 0
	end
	redis.call('ZREM', KEYS[2], ARGV[1])
	insert()
	return 0
end
insert()
return 1
`)

// dequeueScript promotes due delayed tasks, returns expired in-flight tasks
// to ready, then pops the best ready task into the in-flight set under a
// fresh delivery token.
// KEYS: delayed, ready, inflight, priorities, deliveries
// ARGV: nowMs, visibilityMs, batch, token
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[3])

local function score(id, at)
	local p = tonumber(redis.call('HGET', KEYS[4], id) or '5')
	return string.format('%.0f', (11 - p) * 1e13 + at)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'WITHSCORES', 'LIMIT', 0, batch)
for i = 1, #due, 2 do
	redis.call('ZREM', KEYS[1], due[i])
	redis.call('ZADD', KEYS[2], score(due[i], tonumber(due[i + 1])), due[i])
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[5], id)
	redis.call('ZADD', KEYS[2], score(id, now), id)
end

local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[3], string.format('%.0f', now + tonumber(ARGV[2])), popped[1])
redis.call('HSET', KEYS[5], popped[1], ARGV[4])
return popped[1]
`)

// extendScript moves the visibility deadline of a task still held under token.
// KEYS: inflight, deliveries
// ARGV: id, token, deadlineMs
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// settleScript applies the outcome of a delivery, but only while token is
// still the current delivery of the task. Modes:
//
//	store  rewrite the body of the in-flight task
//	retry  rewrite the body and park the task in delayed at score
//	ack    drop the task
//	bury   drop the task and keep its body in the dead set
//
// KEYS: task, inflight, priorities, deliveries, retrying, delayed, dead, deadTask
// ARGV: id, token, mode, body, score, deadTTLms
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return 0
end
local mode = ARGV[3]
if mode == 'store' then
	redis.call('SET', KEYS[1], ARGV[4])
	return 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if mode == 'retry' then
	redis.call('SET', KEYS[1], ARGV[4])
	redis.call('SADD', KEYS[5], ARGV[1])
	redis.call('ZADD', KEYS[6], ARGV[5], ARGV[1])
	return 1
end
redis.call('DEL', KEYS[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
if mode == 'bury' then
	redis.call('SET', KEYS[8], ARGV[4], 'PX', ARGV[6])
	redis.call('ZADD', KEYS[7], ARGV[5], ARGV[1])
end
return 1
`)

// RedisQueue keeps tasks in sorted sets:
//
//	{prefix}:task:{id}       task body, present while queued or in flight
//	{prefix}:delayed         id scored by ready time
//	{prefix}:ready           id scored by priority and ready time
//	{prefix}:inflight        id scored by visibility deadline
//	{prefix}:dead            id scored by dead time
//	{prefix}:dead:task:{id}  body of a dead task
//	{prefix}:priorities      id -> priority
//	{prefix}:deliveries      id -> token of the current in-flight delivery
//	{prefix}:retrying        ids parked in delayed by Retry
type RedisQueue struct {
	rdb        *redis.Client
	logger     *zap.Logger
	prefix     string
	visibility time.Duration
	deadTTL    time.Duration
	batch      int
	now        func() time.Time
}

// RedisConfig tunes the Redis backend.
type RedisConfig struct {
	Prefix            string
	VisibilityTimeout time.Duration
	DeadRetention     time.Duration
}

// NewRedisQueue returns a queue on rdb.
func NewRedisQueue(rdb *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "chime:queue"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.DeadRetention <= 0 {
		cfg.DeadRetention = 7 * 24 * time.Hour
	}
	return &RedisQueue{
		rdb:        rdb,
		logger:     logger,
		prefix:     cfg.Prefix,
		visibility: cfg.VisibilityTimeout,
		deadTTL:    cfg.DeadRetention,
		batch:      100,
		now:        time.Now,
	}
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) taskKey(id uuid.UUID) string     { return q.key("task", id.String()) }
func (q *RedisQueue) deadTaskKey(id uuid.UUID) string { return q.key("dead", "task", id.String()) }

// unixMilliCeil rounds up so a task is never handed out before its ready time.
func unixMilliCeil(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

func readyScore(priority int, at time.Time) int64 {
	return int64(11-priority)*priorityStride + unixMilliCeil(at)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts Options) (bool, error) {
	opts = Normalize(opts)
	now := q.now()
	task := newTask(job, opts, now)

	body, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.taskKey(job.ID), q.key("delayed"), q.key("ready"), q.key("priorities"), q.key("retrying")},
		job.ID.String(), body, unixMilliCeil(task.ReadyAt), now.UnixMilli(),
		readyScore(task.Priority, task.ReadyAt), task.Priority,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if added == 0 {
		q.logger.Debug("task already queued", zap.String("reminder_id", job.ID.String()))
		return false, nil
	}
	return true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	now := q.now()
	token := uuid.NewString()
	id, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("ready"), q.key("inflight"), q.key("priorities"), q.key("deliveries")},
		now.UnixMilli(), q.visibility.Milliseconds(), q.batch, token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	taskID, err := uuid.Parse(id)
	if err != nil {
		q.rdb.ZRem(ctx, q.key("inflight"), id)
		q.rdb.HDel(ctx, q.key("deliveries"), id)
		return nil, fmt.Errorf("dequeue: malformed task id %q", id)
	}

	body, err := q.rdb.Get(ctx, q.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		// acked between pop and read
		q.rdb.ZRem(ctx, q.key("inflight"), id)
		q.rdb.HDel(ctx, q.key("deliveries"), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	task.Attempt++
	task.Delivery = token
	if err := q.settle(ctx, &task, "store", 0); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (q *RedisQueue) settle(ctx context.Context, task *Task, mode string, score int64) error {
	var body []byte
	if mode != "ack" {
		var err error
		if body, err = json.Marshal(task); err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
	}
	id := task.ID.String()
	n, err := settleScript.Run(ctx, q.rdb,
		[]string{
			q.taskKey(task.ID), q.key("inflight"), q.key("priorities"), q.key("deliveries"),
			q.key("retrying"), q.key("delayed"), q.key("dead"), q.deadTaskKey(task.ID),
		},
		id, task.Delivery, mode, body, score, q.deadTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%s %s: %w", mode, id, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, task *Task) error {
	deadline := q.now().Add(q.visibility).UnixMilli()
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.key("inflight"), q.key("deliveries")},
		task.ID.String(), task.Delivery, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", task.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	return q.settle(ctx, task, "ack", 0)
}

func (q *RedisQueue) Retry(ctx context.Context, task *Task, cause error) (bool, error) {
	now := q.now()
	id := task.ID.String()
	if cause != nil {
		task.LastError = cause.Error()
	}

	if !task.AttemptsLeft() {
		task.DeadAt = now
		if err := q.settle(ctx, task, "bury", now.UnixMilli()); err != nil {
			return false, err
		}
		q.logger.Warn("task exhausted its attempts",
			zap.String("reminder_id", id),
			zap.Int("attempts", task.Attempt),
			zap.String("last_error", task.LastError),
		)
		return true, nil
	}

	delay := task.Backoff.Delay(task.Attempt)
	task.ReadyAt = now.Add(delay)
	if err := q.settle(ctx, task, "retry", unixMilliCeil(task.ReadyAt)); err != nil {
		return false, err
	}
	q.logger.Debug("task scheduled for retry",
		zap.String("reminder_id", id),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay),
	)
	return false, nil
}

func (q *RedisQueue) Dead(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRevRange(ctx, q.key("dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead: %w", err)
	}
	if len(ids) == 0 {
		return []*Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.key("dead", "task", id)
	}
	bodies, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead: %w", err)
	}

	out := make([]*Task, 0, len(bodies))
	var expired []any
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			q.logger.Warn("skipping undecodable dead task", zap.String("reminder_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &task)
	}
	if len(expired) > 0 {
		q.rdb.ZRem(ctx, q.key("dead"), expired...)
	}
	return out, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	ready := pipe.ZCard(ctx, q.key("ready"))
	inflight := pipe.ZCard(ctx, q.key("inflight"))
	dead := pipe.ZCard(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Delayed:  delayed.Val(),
		Ready:    ready.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

func (q *RedisQueue) MaxDelay() time.Duration { return 0 }

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }
