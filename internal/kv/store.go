// Package kv provides the Redis-like key-value abstraction the job store,
// toolkit registry mirror, and auth throttling keys are built on: atomic
// hash-field writes, TTLs, and an optimistic compare-and-set primitive
// equivalent to Redis WATCH/MULTI/EXEC. Two implementations satisfy Store:
// a go-redis-backed one for production and an in-memory one for tests.
package kv

import (
	"context"
	"time"
)

// ErrNotFound names the absent-key condition. No Store method returns it;
// the Get variants report absence through their ok bool.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kv: not found" }

// Store is the minimal Redis-shaped surface the rest of the system needs.
type Store interface {
	// HGetAll returns every field in a hash, or an empty map if it doesn't exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HGet returns one field's value and whether it was present.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HSet sets one field in a hash, creating the hash if needed.
	HSet(ctx context.Context, key, field, value string) error
	// HDel removes fields from a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// Get/Set/Del operate on plain string keys (used for throttle counters).
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// Incr atomically increments a counter key, creating it at 1 if absent.
	// If ttl > 0 and the key did not exist before this call, the TTL is set
	// right after the increment (matching the INCR+EXPIRE idiom used for the
	// local auth throttle window).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining time-to-live for key, or <=0 if it has none
	// or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// CASHashField implements the WATCH/MULTI/EXEC pattern for a single hash
	// field: it reads the field's current value, calls update, and if update
	// reports apply=true, writes the new value atomically -- failing with
	// ErrConflict if another writer changed the field in between the read
	// and the write. Callers (the scheduler's template reservation) are expected
	// to retry on ErrConflict.
	CASHashField(ctx context.Context, key, field string, update func(current string, exists bool) (newValue string, apply bool, err error)) (applied bool, err error)
}

// ErrConflict is returned by CASHashField when a concurrent writer raced
// the caller between read and write.
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "kv: optimistic write conflict" }
