// Package cache provides the caching seam used by repositories and the
// context engine. Values are stored JSON-encoded so implementations stay
// interchangeable between the in-process LRU and Redis.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("cache: key not found")

// Cache interface defines the operations for a caching system
type Cache interface {
	// Get retrieves data from the cache into value
	Get(ctx context.Context, key string, value interface{}) error
	// Set stores data in the cache with the given TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Delete removes data from the cache
	Delete(ctx context.Context, key string) error
	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)
	// Flush clears all data from the cache
	Flush(ctx context.Context) error
	// Close closes the cache connection
	Close() error
}
