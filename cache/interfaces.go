// Package cache provides a namespaced cache for previously fetched
// resources with per-namespace TTL expiration.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry represents a cached resource with metadata
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	CachedAt  time.Time       `json:"cached_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Reader defines the interface for reading cache entries
type Reader interface {
	// Get returns the entry and true if present and not expired.
	// An expired entry is deleted by the call that discovers it.
	Get(ctx context.Context, namespace, key string) (*Entry, bool, error)

	// ListKeys returns the keys stored in namespace, sorted ascending
	ListKeys(ctx context.Context, namespace string) ([]string, error)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Put stores value under namespace/key, replacing any prior entry
	Put(ctx context.Context, namespace, key string, value json.RawMessage) error

	// Invalidate removes namespace/key
	Invalidate(ctx context.Context, namespace, key string) error
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	Reader
	Writer
}
