// Package kv is the optional key-value store used to mirror relay key
// presence outside the process. Nothing in the relay core requires it.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

// Store is a string key-value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// CleanupInterval is how often the memory backend purges expired keys.
	CleanupInterval time.Duration
}
