// Package store provides the ephemeral, time-expiring key-value store that
// authentication sessions and their callers communicate through. Every record
// is scoped to one session identifier and replaced whole on write, so no
// cross-session locking is needed.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its record has expired.
// Callers treat it as "unknown or expired session", not as a failure.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal contract the session engine and facade need.
// Implementations must be safe for concurrent use.
type Store interface {
	// Set writes value under key, replacing any previous record and
	// resetting the expiry to ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the current value, or ErrNotFound if absent/expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases backend resources.
	Close() error
}
