package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
)

// LocalRateLimiter is the process-local fixed-window rate limiter.
type LocalRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	start time.Time
	count int
}

// NewLocalRateLimiter creates an empty local rate limiter.
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{windows: make(map[string]*localWindow)}
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

func (l *LocalRateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= window {
		l.windows[key] = &localWindow{start: now, count: 1}
		l.sweepLocked(now, window)
		return nil
	}

	if w.count >= limit {
		retryAfter := window - now.Sub(w.start)
		return &apperrors.RateLimitedError{RetryAfter: retryAfter}
	}
	w.count++
	return nil
}

// sweepLocked drops stale windows opportunistically on new-window creation.
func (l *LocalRateLimiter) sweepLocked(now time.Time, window time.Duration) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) >= window {
			delete(l.windows, k)
		}
	}
}

// LocalIdempotencyStore is the process-local idempotency backend.
type LocalIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*localRecord
}

type localRecord struct {
	record    IdempotencyRecord
	expiresAt time.Time
}

// NewLocalIdempotencyStore creates an empty local idempotency store.
func NewLocalIdempotencyStore(ttl time.Duration) *LocalIdempotencyStore {
	return &LocalIdempotencyStore{
		ttl:     ttl,
		records: make(map[string]*localRecord),
	}
}

var _ IdempotencyStore = (*LocalIdempotencyStore)(nil)

func (s *LocalIdempotencyStore) Ensure(ctx context.Context, key string, payload []byte) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := Fingerprint(payload)
	now := time.Now()

	entry, ok := s.records[key]
	if ok && !entry.expiresAt.After(now) {
		delete(s.records, key)
		ok = false
	}

	if !ok {
		s.records[key] = &localRecord{
			record: IdempotencyRecord{
				Key:         key,
				Fingerprint: fingerprint,
				State:       StateInProgress,
			},
			expiresAt: now.Add(s.ttl),
		}
		return nil, nil
	}

	if entry.record.Fingerprint != fingerprint {
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrConflict)
	}
	if entry.record.State == StateInProgress {
		return nil, fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrInProgress)
	}

	replay := entry.record
	return &replay, nil
}

func (s *LocalIdempotencyStore) Finalize(ctx context.Context, key, fingerprint string, statusCode int, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrNotFound)
	}
	if entry.record.Fingerprint != fingerprint {
		return fmt.Errorf("idempotency key %q: %w", key, apperrors.ErrConflict)
	}

	entry.record.State = StateCompleted
	entry.record.StatusCode = statusCode
	entry.record.Response = response
	entry.expiresAt = time.Now().Add(s.ttl)
	return nil
}

func (s *LocalIdempotencyStore) Release(ctx context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[key]
	if !ok {
		return nil
	}
	if entry.record.Fingerprint != fingerprint || entry.record.State != StateInProgress {
		return nil
	}
	delete(s.records, key)
	return nil
}
