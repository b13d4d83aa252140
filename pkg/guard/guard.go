// Package guard protects mutation and ingestion endpoints with a
// fixed-window rate limiter and an idempotency store. Both come in a
// process-local and a shared-store (Redis) flavor behind the same
// interfaces.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RateLimiter enforces a fixed-window counter per key. Exceeding the
// limit returns *apperrors.RateLimitedError with the computed retry-after.
type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) error
}

// IdempotencyState is the lifecycle of an idempotency record.
type IdempotencyState string

const (
	StateInProgress IdempotencyState = "in_progress"
	StateCompleted  IdempotencyState = "completed"
)

// IdempotencyRecord is the stored outcome of a guarded request.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	State       IdempotencyState
	StatusCode  int
	Response    []byte
}

// IdempotencyStore reserves request keys and replays completed responses.
//
// Ensure semantics: the first call reserves the key in_progress and
// returns (nil, nil) — proceed. A concurrent call with the same
// fingerprint while in_progress fails with apperrors.ErrInProgress. A
// mismatched fingerprint on a reused key fails with apperrors.ErrConflict,
// never a silent overwrite. A completed record with a matching
// fingerprint is returned for replay.
//
// Finalize moves the record to completed; a fingerprint mismatch at
// finalize is also a conflict.
//
// Release drops an in_progress reservation after a failed request so an
// identical retry can reserve the key again. It only removes a matching
// in_progress record: completed records and mismatched fingerprints are
// left untouched. Shared-store implementations must perform all three
// operations as single atomic check-and-set operations.
type IdempotencyStore interface {
	Ensure(ctx context.Context, key string, payload []byte) (*IdempotencyRecord, error)
	Finalize(ctx context.Context, key, fingerprint string, statusCode int, response []byte) error
	Release(ctx context.Context, key, fingerprint string) error
}

// Fingerprint computes the payload fingerprint compared by the
// idempotency store.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
