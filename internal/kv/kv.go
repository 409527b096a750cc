// Package kv abstracts the expiring key-value records the portal keeps in
// Redis: wizard state, agreement cache, rate-limit counters and
// free-shipping markers.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes the value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// Incr atomically increments a counter, setting the TTL only when the
	// key is created. Returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
