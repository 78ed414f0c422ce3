package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/orchestrator"
	"github.com/platinummonkey/strata/pkg/snapshot"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
	"github.com/platinummonkey/strata/pkg/transition"
	"github.com/platinummonkey/strata/pkg/usage"
)

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

type echoBackend struct{}

func (echoBackend) Kind() store.Kind { return store.KindRelational }

func (echoBackend) Prepare(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	return nil
}

func (echoBackend) ApplySessionLimits(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	return nil
}

func (echoBackend) Execute(ctx context.Context, tenantID string, op store.Operation) (*store.Result, error) {
	return &store.Result{Data: op.Command, Rows: 1}, nil
}

func (echoBackend) ReportLoad(ctx context.Context, tenantID string) (*store.Load, error) {
	return &store.Load{}, nil
}

func (echoBackend) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	return nil, nil
}

func (echoBackend) RestoreWorkingSet(ctx context.Context, tenantID string, snap []byte) error {
	return nil
}

func (echoBackend) ReleaseTenant(ctx context.Context, tenantID string) error { return nil }
func (echoBackend) Close() error                                             { return nil }

type nopSink struct{}

func (nopSink) WriteRecords(ctx context.Context, records []usage.Record) error { return nil }

type memUsageReader struct{}

func (memUsageReader) TenantRollups(ctx context.Context, tenantID string, from, to time.Time) ([]usage.TenantUsage, error) {
	return []usage.TenantUsage{{TenantID: tenantID, PeriodStart: from, PeriodEnd: to, Units: 42}}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	registry := newMemRegistry()
	cache := tier.NewCache(tier.DefaultCacheConfig(), registry, nil, metrics)
	router := store.NewRouter(echoBackend{})
	gate := admission.NewController(admission.Config{}, admission.NewRateLimiter(nil, "", logger), logger, metrics)
	snaps := snapshot.NewManager(snapshot.Config{}, nil, logger)
	lm := lifecycle.NewManager(lifecycle.Config{}, router, snaps, gate, logger, metrics, nil)
	recorder := usage.NewRecorder(usage.RecorderConfig{}, usage.WeightedEstimator{}, nopSink{}, logger, metrics)
	t.Cleanup(recorder.Close)
	coord := transition.NewCoordinator(transition.Config{DowngradeGrace: time.Hour}, registry, cache, router, gate, lm, logger, metrics)
	t.Cleanup(coord.Close)
	orch := orchestrator.New(registry, cache, gate, lm, router, recorder, coord, memUsageReader{}, logger, metrics)
	return NewServer(orch, nil, logger, metrics)
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func createTenant(t *testing.T, srv *Server, id, level string) {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/tenants", CreateTenantRequest{ID: id, Level: level})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func openLease(t *testing.T, srv *Server, tenantID string) LeaseResponse {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/tenants/"+tenantID+"/leases", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lease))
	return lease
}

func TestWriteOrchestratorError_TransitionConflicts(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.writeOrchestratorError(w, &transition.ErrInProgress{TenantID: "acme"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Wrapped transition errors must map the same way.
	w = httptest.NewRecorder()
	srv.writeOrchestratorError(w, fmt.Errorf("set tier: %w", &transition.ErrInProgress{TenantID: "acme"}))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	srv.writeOrchestratorError(w, &transition.AbortedError{
		TenantID: "acme",
		Store:    store.KindKeyValue,
		Err:      errors.New("store not ready"),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateTenant(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/v1/tenants", CreateTenantRequest{ID: "acme", Level: "T1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "acme", status.TenantID)
	assert.Equal(t, tier.LevelT1, status.Level)
	assert.Equal(t, 25, status.Limits.MaxConnections)
}

func TestCreateTenant_Invalid(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/tenants", CreateTenantRequest{ID: "", Level: "T1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/tenants", CreateTenantRequest{ID: "acme", Level: "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTierStatus_NotFound(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/v1/tenants/ghost/tier", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaseLifecycle(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T1")

	lease := openLease(t, srv, "acme")
	assert.NotEmpty(t, lease.LeaseID)
	assert.Equal(t, "acme", lease.TenantID)
	assert.Equal(t, "T1", lease.Level)

	w := doJSON(t, srv, http.MethodDelete, "/v1/leases/"+lease.LeaseID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, http.MethodDelete, "/v1/leases/"+lease.LeaseID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenLease_OverCeilingDenied(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T0") // 5 connections, no queue

	for i := 0; i < 5; i++ {
		openLease(t, srv, "acme")
	}
	w := doJSON(t, srv, http.MethodPost, "/v1/tenants/acme/leases", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestExecuteOperation(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T1")
	lease := openLease(t, srv, "acme")

	w := doJSON(t, srv, http.MethodPost, "/v1/leases/"+lease.LeaseID+"/execute", ExecuteRequest{
		Store:   "relational",
		Command: "query",
		Params:  map[string]interface{}{"sql": "SELECT 1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "query", res.Data)
	assert.Equal(t, 1, res.Rows)
}

func TestExecuteOperation_UnknownLease(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/v1/leases/nope/execute", ExecuteRequest{Store: "relational", Command: "query"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteOperation_MissingCommand(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T1")
	lease := openLease(t, srv, "acme")

	w := doJSON(t, srv, http.MethodPost, "/v1/leases/"+lease.LeaseID+"/execute", ExecuteRequest{Store: "relational"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetTier(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T0")

	w := doJSON(t, srv, http.MethodPut, "/v1/tenants/acme/tier", SetTierRequest{Level: "T2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, tier.LevelT2, status.Level)
	assert.Equal(t, 100, status.Limits.MaxConnections)
}

func TestSetTier_InvalidLevel(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T0")
	w := doJSON(t, srv, http.MethodPut, "/v1/tenants/acme/tier", SetTierRequest{Level: "T9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchiveTenant(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T1")

	w := doJSON(t, srv, http.MethodDelete, "/v1/tenants/acme", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/tenants/acme/leases", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetUsage(t *testing.T) {
	srv := newTestServer(t)
	createTenant(t, srv, "acme", "T1")

	w := doJSON(t, srv, http.MethodGet, "/v1/tenants/acme/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TenantID string              `json:"tenant_id"`
		Rollups  []usage.TenantUsage `json:"rollups"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "acme", body.TenantID)
	require.Len(t, body.Rollups, 1)
	assert.Equal(t, 42.0, body.Rollups[0].Units)
}
