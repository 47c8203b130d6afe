// Package kv is the persistent store boundary: durable string-keyed blobs
// with prefix enumeration and optional expiry.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNoKey = errors.New("key not found")

type Store interface {
	// Get returns the value for key, or ErrNoKey if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeys returns all live keys beginning with prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
