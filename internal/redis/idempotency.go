package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed Idempotency-Key is remembered.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation while a create request runs.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// checkOrReserve returns the stored value, or sets the processing marker
// and returns nil when the key is free.
//
// KEYS[1] idempotency key
// ARGV: marker, ttl (ms)
var checkOrReserve = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	return v
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return false
`)

// IdempotencyResult is the cached outcome of a reminder create request.
type IdempotencyResult struct {
	ReminderID  string `json:"reminder_id"`
	StatusCode  int    `json:"status_code"`
	Fingerprint string `json:"fingerprint,omitempty"` // request body hash
	CreatedAt   int64  `json:"created_at"`
}

// Fingerprint hashes a request body so a reused key with a different
// payload can be told apart from a retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Matches reports whether body is the request that produced r. Results
// stored without a fingerprint match anything.
func (r *IdempotencyResult) Matches(fingerprint string) bool {
	return r.Fingerprint == "" || r.Fingerprint == fingerprint
}

// IdempotencyService provides idempotency guarantees using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(ownerID, idempotencyKey string) string {
	return fmt.Sprintf("chime:idempotency:%s:%s", ownerID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(ownerID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	return s.decode(ownerID, val)
}

func (s *IdempotencyService) decode(ownerID, val string) (*IdempotencyResult, error) {
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("owner_id", ownerID),
		zap.String("reminder_id", result.ReminderID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request for ttl.
func (s *IdempotencyService) Store(ctx context.Context, ownerID, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	key := s.buildKey(ownerID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a failed request so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, ownerID, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(ownerID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, ownerID, idempotencyKey string) (bool, error) {
	key := s.buildKey(ownerID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve returns the cached result for the key, or reserves it in
// one round trip. It returns (nil, nil) when the caller now owns the key and
// ErrDuplicateRequest while another request holds it.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(ownerID, idempotencyKey)

	val, err := checkOrReserve.Run(ctx, s.client.rdb, []string{key},
		processingMarker, processingTTL.Milliseconds()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	return s.decode(ownerID, val)
}
