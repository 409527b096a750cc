// Package ratelimit implements the sliding attempt counters guarding the
// wizard's order lookup and the label regeneration endpoint.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
	"github.com/lilleprinsen-dotcom/Returportal/internal/metrics"
)

type Limiter struct {
	store  kv.Store
	scope  string
	limit  int64
	window time.Duration
}

// New creates a limiter allowing `limit` attempts per `window` for each
// distinct key. The scope names the guarded operation in keys and metrics.
func New(store kv.Store, scope string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		scope:  scope,
		limit:  int64(limit),
		window: window,
	}
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Allow counts one attempt for the key and reports whether it is still
// within the window budget. The counter's TTL starts on the first attempt.
// Store failures fail open: the limiter protects against abuse, it must not
// take the portal down with the cache.
func (l *Limiter) Allow(ctx context.Context, keyParts ...string) (bool, error) {
	key := fmt.Sprintf("rtn:rate:%s:%s", l.scope, hashKey(keyParts...))
	n, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return true, err
	}
	if n > l.limit {
		metrics.RateLimitedTotal.WithLabelValues(l.scope).Inc()
		return false, nil
	}
	return true, nil
}
