// Package kv provides the short-lived shared state the federation engine
// needs across requests: dedup markers, refresh-in-progress flags, advisory
// actor locks and fixed-window abuse counters. Backed by Redis in production
// and by an in-memory store in tests.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with TTL semantics. All operations are safe for
// concurrent use.
type Store interface {
	// SetIfAbsent stores the key with the given TTL and reports whether the
	// key was newly set. A false return means the key already existed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Incr increments a counter, setting its expiry to ttl when the counter
	// is created. Returns the value after the increment. The fixed-window
	// behaviour (expiry set once, not refreshed) is what the abuse guards
	// rely on.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
