package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a key-value store with TTL semantics. Implementations: redisstore
// in production, Memory in tests.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DefaultTTL is applied by Memoized when the caller passes a non-positive TTL.
const DefaultTTL = time.Hour

// JSONArgs derives a cache key from an operation name and its arguments using
// encoding/json, which is deterministic for structs (declaration order) and
// maps (sorted keys). Sequences stay order-sensitive.
func JSONArgs(op string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cache: serialize args for %s: %w", op, err)
	}
	return op + ":" + string(b), nil
}

// Memoized wraps fn so repeated calls with an equal key return the stored
// result instead of re-invoking fn. The store is an optimization, never a
// correctness requirement: any store failure is logged and the call proceeds
// directly. Errors from fn propagate unchanged and are not cached.
//
// There is no cross-caller locking: two racing calls for the same key may
// both invoke fn, and the later Set overwrites an equivalent value. Only
// idempotent, serialization-safe operations should be wrapped.
func Memoized[I any, O any](
	store Store,
	op string,
	ttl time.Duration,
	keyFn func(I) (string, error),
	fn func(ctx context.Context, in I) (O, error),
) func(ctx context.Context, in I) (O, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(ctx context.Context, in I) (O, error) {
		key, err := keyFn(in)
		if err != nil {
			log.Printf("cache op=%s key derivation failed, calling through: %v", op, err)
			return fn(ctx, in)
		}

		if raw, err := store.Get(ctx, key); err == nil {
			var out O
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
			log.Printf("cache op=%s stale entry decode failed, recomputing: %v", op, err)
		} else if !errors.Is(err, ErrMiss) {
			log.Printf("cache op=%s get failed, calling through: %v", op, err)
		}

		out, err := fn(ctx, in)
		if err != nil {
			var zero O
			return zero, err
		}

		if raw, merr := json.Marshal(out); merr != nil {
			log.Printf("cache op=%s result not serializable, skipping store: %v", op, merr)
		} else if serr := store.Set(ctx, key, raw, ttl); serr != nil {
			log.Printf("cache op=%s set failed: %v", op, serr)
		}
		return out, nil
	}
}
