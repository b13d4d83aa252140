package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
)

// rateScript increments the window counter, stamping the TTL only when a
// new window opens. Returns {count, ttl_ms}.
var rateScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// RedisRateLimiter is the shared-store fixed-window rate limiter.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a rate limiter over the given Redis client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func (l *RedisRateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) error {
	raw, err := rateScript.Run(ctx, l.client,
		[]string{"guard:rate:" + key}, window.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: rate limit check failed: %v", apperrors.ErrStoreUnavailable, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return fmt.Errorf("unexpected rate limit reply: %v", raw)
	}
	count := reply[0].(int64)
	ttlMs := reply[1].(int64)

	if count > int64(limit) {
		retryAfter := time.Duration(ttlMs) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = window
		}
		return &apperrors.RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}

// ensureScript is the atomic reserve of an idempotency key.
// KEYS[1] = record key; ARGV[1] = fingerprint, ARGV[2] = ttl ms
// Returns {verdict, status_code, response}.
var ensureScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fp')
if not fp then
  redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'state', 'in_progress')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {'reserved', '', ''}
end
if fp ~= ARGV[1] then
  return {'conflict', '', ''}
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'in_progress' then
  return {'in_progress', '', ''}
end
return {'completed', redis.call('HGET', KEYS[1], 'status'), redis.call('HGET', KEYS[1], 'response')}
`)

// finalizeScript is the atomic completion of an idempotency key; it only
// lands when the stored fingerprint matches.
// KEYS[1] = record key; ARGV[1] = fingerprint, ARGV[2] = status code,
// ARGV[3] = response, ARGV[4] = ttl ms
var finalizeScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fp')
if not fp then
  return -1
end
if fp ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'status', ARGV[2], 'response', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// releaseScript drops an in_progress reservation after a failed request.
// Completed records and mismatched fingerprints are left untouched.
// KEYS[1] = record key; ARGV[1] = fingerprint
var releaseScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fp')
if not fp or fp ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= 'in_progress' then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisIdempotencyStore is the shared-store idempotency backend.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates an idempotency store over the given
// Redis client.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

func recordKey(key string) string {
	return "guard:idem:" + key
}

func (s *RedisIdempotencyStore) Ensure(ctx context.Context, key string, payload []byte) (*IdempotencyRecord, error) {
	fingerprint := Fingerprint(payload)

	raw, err := ensureScript.Run(ctx, s.client,
		[]string{recordKey(key)}, fingerprint, s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency reserve failed: %v", apperrors.ErrStoreUnavailable, err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("unexpected idempotency reply: %v", raw)
	}

	switch reply[0].(string) {
	case "reserved":
		return nil, nil
	case "conflict":
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrConflict)
	case "in_progress":
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrInProgress)
	}

	statusCode, _ := strconv.Atoi(reply[1].(string))
	return &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateCompleted,
		StatusCode:  statusCode,
		Response:    []byte(reply[2].(string)),
	}, nil
}

func (s *RedisIdempotencyStore) Finalize(ctx context.Context, key, fingerprint string, statusCode int, response []byte) error {
	verdict, err := finalizeScript.Run(ctx, s.client,
		[]string{recordKey(key)},
		fingerprint, strconv.Itoa(statusCode), string(response), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: idempotency finalize failed: %v", apperrors.ErrStoreUnavailable, err)
	}
	switch verdict {
	case -1:
		return fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrNotFound)
	case 0:
		return fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrConflict)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client,
		[]string{recordKey(key)}, fingerprint,
	).Err(); err != nil {
		return fmt.Errorf("%w: idempotency release failed: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
