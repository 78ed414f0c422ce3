package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/strata/pkg/observability"
)

// fakeRegistry is an in-memory Registry for cache tests.
type fakeRegistry struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	table   *LimitTable
	fail    bool
	reads   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		tenants: make(map[string]*Tenant),
		table:   DefaultLimitTable(),
	}
}

func (f *fakeRegistry) CreateTenant(ctx context.Context, tenant *Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[tenant.ID] = tenant
	return nil
}

func (f *fakeRegistry) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail {
		return nil, errors.New("registry down")
	}
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, &ErrTenantNotFound{TenantID: tenantID}
	}
	return t, nil
}

func (f *fakeRegistry) SetTenantTier(ctx context.Context, tenantID string, level Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenantID]
	if !ok {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	t.Level = level
	t.TierChangedAt = time.Now()
	return nil
}

func (f *fakeRegistry) SetTierOverride(ctx context.Context, tenantID string, level *Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenantID]
	if !ok {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	t.OverrideLevel = level
	return nil
}

func (f *fakeRegistry) ArchiveTenant(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenantID]
	if !ok {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	now := time.Now()
	t.ArchivedAt = &now
	return nil
}

func (f *fakeRegistry) CurrentLimitTable(ctx context.Context) (*LimitTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("registry down")
	}
	return f.table, nil
}

func (f *fakeRegistry) PublishLimitTable(ctx context.Context, table *LimitTable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = table
	return nil
}

func (f *fakeRegistry) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeRegistry) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func newTestCache(t *testing.T) (*Cache, *fakeRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := newFakeRegistry()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCache(DefaultCacheConfig(), registry, client, metrics)
	return cache, registry, mr
}

func TestCache_ReadThrough(t *testing.T) {
	cache, registry, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT1}))

	resolved, err := cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT1, resolved.Level)
	assert.Equal(t, 25, resolved.Limits.MaxConnections)
	assert.False(t, resolved.Degraded)

	// Second read is a cache hit; no extra registry read.
	before := registry.readCount()
	_, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, before, registry.readCount())
}

func TestCache_TenantNotFound(t *testing.T) {
	cache, _, _ := newTestCache(t)

	_, err := cache.GetTier(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsTenantNotFound(err))
}

func TestCache_ArchivedTenantNotServed(t *testing.T) {
	cache, registry, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "old", Level: LevelT0}))
	require.NoError(t, registry.ArchiveTenant(ctx, "old"))

	_, err := cache.GetTier(ctx, "old")
	require.Error(t, err)
	assert.True(t, IsTenantNotFound(err))
}

func TestCache_InvalidateForcesReresolve(t *testing.T) {
	cache, registry, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT0}))

	resolved, err := cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT0, resolved.Level)

	require.NoError(t, registry.SetTenantTier(ctx, "acme", LevelT2))
	require.NoError(t, cache.Invalidate(ctx, "acme"))

	resolved, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT2, resolved.Level)
}

func TestCache_SharedLayerVisibleToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := newFakeRegistry()
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT1}))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	first := NewCache(DefaultCacheConfig(), registry, client, metrics)
	second := NewCache(DefaultCacheConfig(), registry, client, metrics)

	_, err := first.GetTier(ctx, "acme")
	require.NoError(t, err)

	// The second instance resolves from the shared layer, not the registry.
	before := registry.readCount()
	resolved, err := second.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT1, resolved.Level)
	assert.Equal(t, before, registry.readCount())

	// An invalidation on one instance clears the shared layer for all.
	require.NoError(t, first.Invalidate(ctx, "acme"))
	assert.False(t, mr.Exists("strata:tier:acme"))
}

func TestCache_DegradedServesLastKnown(t *testing.T) {
	cache, registry, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT2}))

	_, err := cache.GetTier(ctx, "acme")
	require.NoError(t, err)

	// Registry goes down; drop the fresh layers so the resolve path runs.
	registry.setFail(true)
	cache.l1.Remove("acme")
	require.NoError(t, cache.Invalidate(ctx, "acme"))

	resolved, err := cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT2, resolved.Level)
	assert.True(t, resolved.Degraded)
	assert.True(t, cache.Degraded())

	// Recovery clears the degraded flag.
	registry.setFail(false)
	cache.l1.Remove("acme")
	require.NoError(t, cache.Invalidate(ctx, "acme"))
	resolved, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, resolved.Degraded)
	assert.False(t, cache.Degraded())
}

func TestCache_ExportsHitMissAndDegradedMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := newFakeRegistry()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCache(DefaultCacheConfig(), registry, client, metrics)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT1}))

	// First read misses every layer; second hits L1.
	_, err := cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	_, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TierCacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TierCacheHitsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.TierCacheDegraded))

	// A registry outage served from stale values flips the degraded gauge.
	registry.setFail(true)
	cache.l1.Remove("acme")
	require.NoError(t, cache.Invalidate(ctx, "acme"))
	_, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TierCacheDegraded))

	registry.setFail(false)
	cache.l1.Remove("acme")
	require.NoError(t, cache.Invalidate(ctx, "acme"))
	_, err = cache.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.TierCacheDegraded))
}

func TestCache_NoCachedValueAndRegistryDown(t *testing.T) {
	cache, registry, _ := newTestCache(t)
	registry.setFail(true)

	_, err := cache.GetTier(context.Background(), "acme")
	assert.Error(t, err)
}
