package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/snapshot"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
	"github.com/platinummonkey/strata/pkg/transition"
	"github.com/platinummonkey/strata/pkg/usage"
)

// memRegistry is an in-memory tier.Registry for wiring the full service in
// tests.
type memRegistry struct {
	mu      sync.Mutex
	tenants map[string]*tier.Tenant
}

func newMemRegistry() *memRegistry {
	return &memRegistry{tenants: make(map[string]*tier.Tenant)}
}

func (m *memRegistry) CreateTenant(ctx context.Context, t *tier.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
	return nil
}

func (m *memRegistry) GetTenant(ctx context.Context, id string) (*tier.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.Archived() {
		return nil, &tier.ErrTenantNotFound{TenantID: id}
	}
	copied := *t
	return &copied, nil
}

func (m *memRegistry) SetTenantTier(ctx context.Context, id string, level tier.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return &tier.ErrTenantNotFound{TenantID: id}
	}
	t.Level = level
	t.TierChangedAt = time.Now()
	return nil
}

func (m *memRegistry) SetTierOverride(ctx context.Context, id string, level *tier.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return &tier.ErrTenantNotFound{TenantID: id}
	}
	t.OverrideLevel = level
	return nil
}

func (m *memRegistry) ArchiveTenant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return &tier.ErrTenantNotFound{TenantID: id}
	}
	now := time.Now()
	t.ArchivedAt = &now
	return nil
}

func (m *memRegistry) CurrentLimitTable(ctx context.Context) (*tier.LimitTable, error) {
	return tier.DefaultLimitTable(), nil
}

func (m *memRegistry) PublishLimitTable(ctx context.Context, table *tier.LimitTable) error {
	return nil
}

// echoBackend answers every operation and counts executions.
type echoBackend struct {
	kind store.Kind

	mu    sync.Mutex
	execs int
}

func (e *echoBackend) Kind() store.Kind { return e.kind }

func (e *echoBackend) Prepare(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	return nil
}

func (e *echoBackend) ApplySessionLimits(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	return nil
}

func (e *echoBackend) Execute(ctx context.Context, tenantID string, op store.Operation) (*store.Result, error) {
	e.mu.Lock()
	e.execs++
	e.mu.Unlock()
	return &store.Result{Data: op.Command, Rows: 1}, nil
}

func (e *echoBackend) ReportLoad(ctx context.Context, tenantID string) (*store.Load, error) {
	return &store.Load{}, nil
}

func (e *echoBackend) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	return []byte("{}"), nil
}

func (e *echoBackend) RestoreWorkingSet(ctx context.Context, tenantID string, snap []byte) error {
	return nil
}

func (e *echoBackend) ReleaseTenant(ctx context.Context, tenantID string) error { return nil }
func (e *echoBackend) Close() error                                             { return nil }

type memUsageReader struct{}

func (memUsageReader) TenantRollups(ctx context.Context, tenantID string, from, to time.Time) ([]usage.TenantUsage, error) {
	return []usage.TenantUsage{{TenantID: tenantID, PeriodStart: from, PeriodEnd: to, Units: 12.5}}, nil
}

type sinkRecorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (s *sinkRecorder) WriteRecords(ctx context.Context, records []usage.Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

type testService struct {
	orch     *Orchestrator
	registry *memRegistry
	backend  *echoBackend
	sink     *sinkRecorder
	recorder *usage.Recorder
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := newMemRegistry()
	cache := tier.NewCache(tier.DefaultCacheConfig(), registry, nil, metrics)
	backend := &echoBackend{kind: store.KindRelational}
	router := store.NewRouter(backend)
	gate := admission.NewController(admission.Config{}, admission.NewRateLimiter(nil, "", logger), logger, metrics)
	snaps := snapshot.NewManager(snapshot.Config{}, nil, logger)
	lm := lifecycle.NewManager(lifecycle.Config{}, router, snaps, gate, logger, metrics, nil)
	sink := &sinkRecorder{}
	recorder := usage.NewRecorder(usage.RecorderConfig{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, usage.WeightedEstimator{}, sink, logger, metrics)
	t.Cleanup(recorder.Close)
	coord := transition.NewCoordinator(transition.Config{DowngradeGrace: time.Hour}, registry, cache, router, gate, lm, logger, metrics)
	t.Cleanup(coord.Close)
	orch := New(registry, cache, gate, lm, router, recorder, coord, memUsageReader{}, logger, metrics)
	return &testService{orch: orch, registry: registry, backend: backend, sink: sink, recorder: recorder}
}

func TestOpenLease_WarmsAndAdmits(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.orch.CreateTenant(ctx, "acme", tier.LevelT1))

	lease, resolved, err := s.orch.OpenLease(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", lease.TenantID)
	assert.Equal(t, tier.LevelT1, resolved.Level)

	status, err := s.orch.TierStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, status.LifecycleState)
	assert.Equal(t, 1, status.ActiveLeases)

	require.NoError(t, s.orch.CloseLease(ctx, lease.ID))
	status, err = s.orch.TierStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, status.ActiveLeases)
}

func TestOpenLease_UnknownTenant(t *testing.T) {
	s := newTestService(t)
	_, _, err := s.orch.OpenLease(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, tier.IsTenantNotFound(err))
}

func TestExecute_RunsOperationAndRecordsUsage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.orch.CreateTenant(ctx, "acme", tier.LevelT1))

	lease, _, err := s.orch.OpenLease(ctx, "acme")
	require.NoError(t, err)

	result, err := s.orch.Execute(ctx, lease.ID, store.Operation{
		Store:          store.KindRelational,
		Command:        "query",
		ComplexityHint: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "query", result.Data)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.sink.mu.Lock()
		n := len(s.sink.records)
		s.sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	require.NotEmpty(t, s.sink.records)
	assert.Equal(t, "acme", s.sink.records[0].TenantID)
	assert.Greater(t, s.sink.records[0].Units, 0.0)
}

func TestExecute_UnknownLease(t *testing.T) {
	s := newTestService(t)
	_, err := s.orch.Execute(context.Background(), "nope", store.Operation{Store: store.KindRelational})
	require.Error(t, err)
	assert.True(t, admission.IsLeaseNotFound(err))
}

func TestExecute_RateGateDenies(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.orch.CreateTenant(ctx, "acme", tier.LevelT0)) // 10 ops/sec

	lease, _, err := s.orch.OpenLease(ctx, "acme")
	require.NoError(t, err)

	var denied error
	for i := 0; i < 50; i++ {
		if _, err := s.orch.Execute(ctx, lease.ID, store.Operation{Store: store.KindRelational, Command: "query"}); err != nil {
			denied = err
			break
		}
	}
	require.Error(t, denied)
	assert.True(t, admission.IsDenied(denied))
}

func TestSetTierAndStatusRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.orch.CreateTenant(ctx, "acme", tier.LevelT0))

	require.NoError(t, s.orch.SetTier(ctx, "acme", tier.LevelT2))

	status, err := s.orch.TierStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tier.LevelT2, status.Level)
	assert.Equal(t, 100, status.Limits.MaxConnections)
	assert.False(t, status.GraceActive)
}

func TestArchiveTenant_StopsResolving(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.orch.CreateTenant(ctx, "acme", tier.LevelT1))

	_, _, err := s.orch.OpenLease(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, s.orch.ArchiveTenant(ctx, "acme"))
	_, _, err = s.orch.OpenLease(ctx, "acme")
	require.Error(t, err)
	assert.True(t, tier.IsTenantNotFound(err))
}

func TestUsage_ReadsRollups(t *testing.T) {
	s := newTestService(t)
	rollups, err := s.orch.Usage(context.Background(), "acme", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, 12.5, rollups[0].Units)
}
