package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/snapshot"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
)

// fakeBackend is a scriptable store.Backend.
type fakeBackend struct {
	kind store.Kind

	mu            sync.Mutex
	restoreCalls  int
	restored      [][]byte
	applyCalls    int
	appliedLimits []store.SessionLimits
	releaseCalls  int
	snapshotData  []byte
	snapshotErr   error
	restoreErr    error
	snapshotDelay time.Duration
}

func (f *fakeBackend) Kind() store.Kind { return f.kind }

func (f *fakeBackend) Prepare(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	return nil
}

func (f *fakeBackend) ApplySessionLimits(ctx context.Context, tenantID string, limits store.SessionLimits) error {
	f.mu.Lock()
	f.applyCalls++
	f.appliedLimits = append(f.appliedLimits, limits)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Execute(ctx context.Context, tenantID string, op store.Operation) (*store.Result, error) {
	return &store.Result{}, nil
}

func (f *fakeBackend) ReportLoad(ctx context.Context, tenantID string) (*store.Load, error) {
	return &store.Load{}, nil
}

func (f *fakeBackend) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	if f.snapshotDelay > 0 {
		time.Sleep(f.snapshotDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotData, f.snapshotErr
}

func (f *fakeBackend) RestoreWorkingSet(ctx context.Context, tenantID string, snap []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restoreCalls++
	f.restored = append(f.restored, snap)
	return nil
}

func (f *fakeBackend) ReleaseTenant(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	f.releaseCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

type testHarness struct {
	m       *Manager
	backend *fakeBackend
	snaps   *snapshot.Manager
	gate    *admission.Controller
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	backend := &fakeBackend{kind: store.KindRelational}
	router := store.NewRouter(backend)
	snaps := snapshot.NewManager(snapshot.Config{}, nil, logger)
	gate := admission.NewController(admission.Config{}, admission.NewRateLimiter(nil, "", logger), logger, metrics)
	m := NewManager(cfg, router, snaps, gate, logger, metrics, nil)
	return &testHarness{m: m, backend: backend, snaps: snaps, gate: gate}
}

func testResolved(limits tier.Limits) *tier.Resolved {
	return &tier.Resolved{TenantID: "acme", Level: tier.LevelT1, Limits: limits, ResolvedAt: time.Now()}
}

func activeLimits() tier.Limits {
	return tier.Limits{MaxConnections: 10, MaxOpsPerSecond: 100, IdleTimeout: time.Hour}
}

func TestEnsureActive_WarmsUpDormantTenant(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.snaps.Save(ctx, "acme", store.KindRelational, []byte("warm-state")))

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	assert.Equal(t, StateActive, h.m.StateOf("acme"))

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	require.Equal(t, 1, h.backend.restoreCalls)
	assert.Equal(t, []byte("warm-state"), h.backend.restored[0])
	assert.Equal(t, 1, h.backend.applyCalls)
}

func TestEnsureActive_NoSnapshotStillWarms(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.m.EnsureActive(context.Background(), testResolved(activeLimits())))
	assert.Equal(t, StateActive, h.m.StateOf("acme"))

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	assert.Equal(t, 0, h.backend.restoreCalls)
	assert.Equal(t, 1, h.backend.applyCalls)
}

func TestEnsureActive_ConcurrentArrivalsJoinOneWarmup(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.snaps.Save(ctx, "acme", store.KindRelational, []byte("x")))

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.m.EnsureActive(ctx, testResolved(activeLimits())); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), failures.Load())
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	assert.Equal(t, 1, h.backend.restoreCalls, "thundering herd must trigger exactly one warm-up")
}

func TestEnsureActive_RetriesThenFails(t *testing.T) {
	h := newHarness(t, Config{WarmupAttempts: 3, WarmupBackoff: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.snaps.Save(ctx, "acme", store.KindRelational, []byte("x")))
	h.backend.restoreErr = errors.New("store offline")

	err := h.m.EnsureActive(ctx, testResolved(activeLimits()))
	require.Error(t, err)
	require.True(t, IsWarmupFailed(err))
	assert.Equal(t, 3, err.(*WarmupFailedError).Attempts)
	assert.Equal(t, StateDormant, h.m.StateOf("acme"))

	// Recovery: the next arrival retries from scratch and succeeds.
	h.backend.mu.Lock()
	h.backend.restoreErr = nil
	h.backend.mu.Unlock()
	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	assert.Equal(t, StateActive, h.m.StateOf("acme"))
}

func TestDrain_SnapshotsAndReleases(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.backend.snapshotData = []byte("working-set")

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	require.NoError(t, h.m.Drain(ctx, "acme"))

	assert.Equal(t, StateDormant, h.m.StateOf("acme"))
	h.backend.mu.Lock()
	assert.Equal(t, 1, h.backend.releaseCalls)
	h.backend.mu.Unlock()

	data, err := h.snaps.Load(ctx, "acme", store.KindRelational)
	require.NoError(t, err)
	assert.Equal(t, []byte("working-set"), data)
}

func TestDrain_BlockedByInflightOps(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	h.m.OpStarted("acme")

	require.NoError(t, h.m.Drain(ctx, "acme"))
	assert.Equal(t, StateActive, h.m.StateOf("acme"))

	h.m.OpFinished("acme")
	require.NoError(t, h.m.Drain(ctx, "acme"))
	assert.Equal(t, StateDormant, h.m.StateOf("acme"))
}

func TestDrain_SnapshotFailureStillReachesDormant(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.backend.snapshotErr = errors.New("disk full")

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	require.NoError(t, h.m.Drain(ctx, "acme"))

	// Snapshots are an accelerator, not durable state: the tenant still
	// scales to zero and the next warm-up takes the slow path.
	assert.Equal(t, StateDormant, h.m.StateOf("acme"))
	h.backend.mu.Lock()
	assert.Equal(t, 1, h.backend.releaseCalls)
	h.backend.mu.Unlock()

	_, err := h.snaps.Load(ctx, "acme", store.KindRelational)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestEnsureActive_WaitsForDrainThenRewarms(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.backend.snapshotDelay = 50 * time.Millisecond

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))

	drainDone := make(chan error, 1)
	go func() { drainDone <- h.m.Drain(ctx, "acme") }()

	deadline := time.Now().Add(time.Second)
	for h.m.StateOf("acme") != StateDraining && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateDraining, h.m.StateOf("acme"))

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(activeLimits())))
	require.NoError(t, <-drainDone)
	assert.Equal(t, StateActive, h.m.StateOf("acme"))
}

func TestEvaluateLoad_ThrottleWatermarks(t *testing.T) {
	h := newHarness(t, Config{ThrottleHighWatermark: 0.9, ThrottleLowWatermark: 0.6})
	ctx := context.Background()
	limits := activeLimits() // 100 ops/sec

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(limits)))

	h.m.EvaluateLoad(ctx, "acme", store.Load{OpsPerSecond: 95})
	assert.Equal(t, StateThrottled, h.m.StateOf("acme"))

	h.backend.mu.Lock()
	degraded := h.backend.appliedLimits[len(h.backend.appliedLimits)-1]
	h.backend.mu.Unlock()
	assert.Equal(t, 5, degraded.MaxSessionConnections)

	// Between watermarks nothing changes.
	h.m.EvaluateLoad(ctx, "acme", store.Load{OpsPerSecond: 75})
	assert.Equal(t, StateThrottled, h.m.StateOf("acme"))

	h.m.EvaluateLoad(ctx, "acme", store.Load{OpsPerSecond: 50})
	assert.Equal(t, StateActive, h.m.StateOf("acme"))
}

func TestSweep_DrainsIdleTenants(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	limits := activeLimits()
	limits.IdleTimeout = 10 * time.Millisecond

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(limits)))
	time.Sleep(20 * time.Millisecond)

	h.m.sweep(ctx)
	assert.Equal(t, StateDormant, h.m.StateOf("acme"))
}

func TestSweep_SkipsTenantsThatNeverIdle(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	limits := activeLimits()
	limits.IdleTimeout = 0

	require.NoError(t, h.m.EnsureActive(ctx, testResolved(limits)))
	time.Sleep(10 * time.Millisecond)

	h.m.sweep(ctx)
	assert.Equal(t, StateActive, h.m.StateOf("acme"))
}
