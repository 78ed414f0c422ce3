package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/strata/pkg/observability"
)

// CacheConfig configures the read-through tier cache.
type CacheConfig struct {
	// TTL bounds how stale a cached tier resolution may be.
	TTL time.Duration
	// L1Size is the max entries in the in-process layer.
	L1Size int
	// KeyPrefix namespaces the shared Redis keys.
	KeyPrefix string
}

// DefaultCacheConfig returns the default cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       5 * time.Minute,
		L1Size:    10000,
		KeyPrefix: "strata:tier",
	}
}

// Cache is the read-through tier cache. Reads hit the in-process LRU first,
// then the shared Redis layer, then the registry. Invalidation clears both
// layers; because the Redis layer is shared, a committed tier change becomes
// visible to every instance before it observes new traffic for the tenant.
type Cache struct {
	config   CacheConfig
	registry Registry
	redis    *redis.Client
	metrics  *observability.Metrics
	l1       *lru.LRU[string, *Resolved]
	group    singleflight.Group

	// degraded is 1 while the registry is unreachable and reads are being
	// served from last-known values.
	degraded atomic.Bool

	// stale keeps the last successful resolution per tenant beyond the TTL
	// so registry outages degrade instead of denying service.
	stale *lru.LRU[string, *Resolved]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a tier cache over the given registry and Redis client.
// The Redis client may be nil for single-instance deployments; invalidation
// then only clears the local layer.
func NewCache(config CacheConfig, registry Registry, redisClient *redis.Client, metrics *observability.Metrics) *Cache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig().TTL
	}
	if config.L1Size <= 0 {
		config.L1Size = DefaultCacheConfig().L1Size
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	return &Cache{
		config:   config,
		registry: registry,
		redis:    redisClient,
		metrics:  metrics,
		l1:       lru.NewLRU[string, *Resolved](config.L1Size, nil, config.TTL),
		// Stale entries are retained far past the TTL; they are only served
		// when the registry is down.
		stale: lru.NewLRU[string, *Resolved](config.L1Size, nil, 24*time.Hour),
	}
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.TierCacheHitsTotal.Inc()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.TierCacheMissesTotal.Inc()
}

func (c *Cache) setDegraded(on bool) {
	c.degraded.Store(on)
	if on {
		c.metrics.TierCacheDegraded.Set(1)
	} else {
		c.metrics.TierCacheDegraded.Set(0)
	}
}

// GetTier resolves a tenant's effective limits. Concurrent misses for the
// same tenant are coalesced into a single registry read.
func (c *Cache) GetTier(ctx context.Context, tenantID string) (*Resolved, error) {
	if resolved, ok := c.l1.Get(tenantID); ok {
		c.hit()
		return resolved, nil
	}

	if resolved := c.getShared(ctx, tenantID); resolved != nil {
		c.hit()
		c.l1.Add(tenantID, resolved)
		return resolved, nil
	}
	c.miss()

	v, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		return c.resolve(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolved), nil
}

// resolve reads the registry and repopulates both cache layers. On registry
// failure it falls back to the last known value and marks the cache degraded:
// stale tier data is safer than refusing service.
func (c *Cache) resolve(ctx context.Context, tenantID string) (*Resolved, error) {
	tenant, err := c.registry.GetTenant(ctx, tenantID)
	if err != nil {
		if IsTenantNotFound(err) {
			return nil, err
		}
		if last, ok := c.stale.Get(tenantID); ok {
			c.setDegraded(true)
			degraded := *last
			degraded.Degraded = true
			return &degraded, nil
		}
		return nil, fmt.Errorf("tier registry unavailable and no cached value for %s: %w", tenantID, err)
	}
	if tenant.Archived() {
		return nil, &ErrTenantNotFound{TenantID: tenantID}
	}

	table, err := c.registry.CurrentLimitTable(ctx)
	if err != nil {
		if last, ok := c.stale.Get(tenantID); ok {
			c.setDegraded(true)
			degraded := *last
			degraded.Degraded = true
			return &degraded, nil
		}
		return nil, fmt.Errorf("limit table unavailable: %w", err)
	}

	level := tenant.EffectiveLevel()
	limits, err := table.LimitsFor(level)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		TenantID:     tenantID,
		Level:        level,
		Limits:       limits,
		TableVersion: table.Version,
		ResolvedAt:   time.Now().UTC(),
	}
	c.setDegraded(false)
	c.l1.Add(tenantID, resolved)
	c.stale.Add(tenantID, resolved)
	c.setShared(ctx, tenantID, resolved)
	return resolved, nil
}

// Invalidate removes a tenant's cached resolution from every layer. Called by
// the transition coordinator after commit; it is the visibility barrier for
// tier changes.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	c.l1.Remove(tenantID)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate tier cache for %s: %w", tenantID, err)
	}
	return nil
}

// Degraded reports whether reads are currently served from stale values.
func (c *Cache) Degraded() bool {
	return c.degraded.Load()
}

// Stats returns cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) key(tenantID string) string {
	return c.config.KeyPrefix + ":" + tenantID
}

func (c *Cache) getShared(ctx context.Context, tenantID string) *Resolved {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, c.key(tenantID)).Result()
	if err != nil {
		// Cache miss and Redis outage look the same here; the registry path
		// handles both.
		return nil
	}
	var resolved Resolved
	if err := json.Unmarshal([]byte(data), &resolved); err != nil {
		c.redis.Del(ctx, c.key(tenantID))
		return nil
	}
	return &resolved
}

func (c *Cache) setShared(ctx context.Context, tenantID string, resolved *Resolved) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	// Best effort: a failed shared write only costs an extra registry read
	// on another instance.
	c.redis.Set(ctx, c.key(tenantID), data, c.config.TTL)
}
