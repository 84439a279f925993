// Package storage provides the durable key/value primitive shared by the
// cache, the mutation queue and the credential store.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("storage: key not found")
)

// Reader reads raw values by key
type Reader interface {
	// Get returns the value stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key starting with prefix, sorted ascending
	List(ctx context.Context, prefix string) ([]string, error)
}

// Writer persists raw values by key
type Writer interface {
	// Put stores value under key. The value must be durable when Put returns.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Store combines both operations
type Store interface {
	Reader
	Writer
}
