// Package catalog caches the carrier's transport-agreement catalog in
// three tiers: a process-local memo, a shared TTL cache and the live API.
package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/cargonizer"
	"github.com/lilleprinsen-dotcom/Returportal/internal/kv"
	"github.com/lilleprinsen-dotcom/Returportal/internal/metrics"
)

const cacheTTL = 30 * time.Minute

type agreementFetcher interface {
	FetchAgreements(ctx context.Context) ([]cargonizer.TransportAgreement, error)
}

type Cache struct {
	fetcher agreementFetcher
	store   kv.Store
	allowed []string
	key     string
	logger  *zap.Logger

	mu     sync.RWMutex
	memo   []cargonizer.TransportAgreement
	memoAt time.Time

	timeNow func() time.Time
}

// New keys the shared cache on sender id and site origin, so parallel
// deployments sharing one Redis never serve each other's catalog.
func New(fetcher agreementFetcher, store kv.Store, senderID, origin string, allowed []string, logger *zap.Logger) *Cache {
	sum := md5.Sum([]byte(senderID + "|" + origin))
	return &Cache{
		fetcher: fetcher,
		store:   store,
		allowed: allowed,
		key:     "rtn:agreements:" + hex.EncodeToString(sum[:]),
		logger:  logger,
		timeNow: time.Now,
	}
}

// Fetch resolves the catalog through the tiers. Transport and parse errors
// propagate as-is; there is no silent empty-list fallback.
func (c *Cache) Fetch(ctx context.Context, filterAllowed bool) ([]cargonizer.TransportAgreement, error) {
	c.mu.RLock()
	if c.memo != nil && c.timeNow().Sub(c.memoAt) < cacheTTL {
		memo := c.memo
		c.mu.RUnlock()
		return c.finish(memo, filterAllowed), nil
	}
	c.mu.RUnlock()

	if raw, err := c.store.Get(ctx, c.key); err == nil {
		var cached []cargonizer.TransportAgreement
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			c.memoize(cached)
			return c.finish(cached, filterAllowed), nil
		}
		c.logger.Warn("corrupt agreement cache entry, refetching", zap.String("key", c.key))
	} else if !errors.Is(err, kv.ErrNotFound) {
		c.logger.Warn("agreement cache read failed, falling through to live call", zap.Error(err))
	}

	live, err := c.refresh(ctx, "miss")
	if err != nil {
		return nil, err
	}
	return c.finish(live, filterAllowed), nil
}

// Warm evicts the shared cache and repopulates it from the live API, so
// customers only ever pay for a live call on cold start.
func (c *Cache) Warm(ctx context.Context) error {
	if err := c.store.Del(ctx, c.key); err != nil {
		c.logger.Warn("agreement cache evict failed", zap.Error(err))
	}
	_, err := c.refresh(ctx, "warm")
	return err
}

func (c *Cache) refresh(ctx context.Context, trigger string) ([]cargonizer.TransportAgreement, error) {
	live, err := c.fetcher.FetchAgreements(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(live)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agreement catalog: %w", err)
	}
	if err := c.store.Set(ctx, c.key, string(raw), cacheTTL); err != nil {
		c.logger.Warn("agreement cache write failed", zap.Error(err))
	}
	c.memoize(live)
	metrics.AgreementCacheRefreshTotal.WithLabelValues(trigger).Inc()
	return live, nil
}

func (c *Cache) memoize(agreements []cargonizer.TransportAgreement) {
	c.mu.Lock()
	c.memo = agreements
	c.memoAt = c.timeNow()
	c.mu.Unlock()
}

func (c *Cache) finish(agreements []cargonizer.TransportAgreement, filterAllowed bool) []cargonizer.TransportAgreement {
	if !filterAllowed {
		return agreements
	}
	return cargonizer.FilterAllowed(agreements, c.allowed)
}
