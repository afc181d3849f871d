package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1].
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendIfOwner resets the TTL of KEYS[1] only while it still holds ARGV[1].
var extendIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a held lock. Token identifies the holder.
type Lease struct {
	Key   string
	Token string
}

// LeaseLocker hands out expiring per-key locks with SET NX PX. A lease
// that is never released expires on its own, so a crashed holder cannot
// block the key forever.
type LeaseLocker struct {
	client *Client
	logger *zap.Logger
	prefix string
}

// NewLeaseLocker creates a locker whose keys live under prefix.
func NewLeaseLocker(client *Client, logger *zap.Logger, prefix string) *LeaseLocker {
	if prefix == "" {
		prefix = "chime:lease"
	}
	return &LeaseLocker{client: client, logger: logger, prefix: prefix}
}

func (l *LeaseLocker) buildKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Acquire takes the lease on key for ttl. It returns nil when another
// holder owns it.
func (l *LeaseLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{Key: l.buildKey(key), Token: uuid.NewString()}

	ok, err := l.client.rdb.SetNX(ctx, lease.Key, lease.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Debug("lease held elsewhere", zap.String("key", key))
		return nil, nil
	}
	return lease, nil
}

// Resume rebuilds a lease taken earlier, possibly by another process, from
// its key and token.
func (l *LeaseLocker) Resume(key, token string) *Lease {
	return &Lease{Key: l.buildKey(key), Token: token}
}

// Held reports whether any holder owns key.
func (l *LeaseLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.rdb.Exists(ctx, l.buildKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n == 1, nil
}

// Owns reports whether lease is still held by its token.
func (l *LeaseLocker) Owns(ctx context.Context, lease *Lease) (bool, error) {
	v, err := l.client.rdb.Get(ctx, lease.Key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return v == lease.Token, nil
}

// Extend pushes the expiry of a held lease. It reports false once the
// lease has expired or passed to someone else.
func (l *LeaseLocker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	n, err := extendIfOwner.Run(ctx, l.client.rdb, []string{lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lease extend failed: %w", err)
	}
	return n == 1, nil
}

// Release frees a held lease. Releasing a lease that already expired is
// not an error.
func (l *LeaseLocker) Release(ctx context.Context, lease *Lease) error {
	if _, err := releaseIfOwner.Run(ctx, l.client.rdb, []string{lease.Key}, lease.Token).Int(); err != nil {
		return fmt.Errorf("redis lease release failed: %w", err)
	}
	return nil
}
