package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/async"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/snapshot"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
)

// coldHydrationTimeout bounds one background working-set download + restore.
const coldHydrationTimeout = time.Minute

// Config tunes the lifecycle manager.
type Config struct {
	// WarmupAttempts is the total tries before a warm-up is declared failed.
	WarmupAttempts int
	// WarmupBackoff is the base delay between warm-up retries, doubled each
	// attempt.
	WarmupBackoff time.Duration
	// SweepInterval is how often the idle sweeper scans for dormancy
	// candidates.
	SweepInterval time.Duration
	// ThrottleHighWatermark enters Throttled when sustained ops exceed this
	// fraction of the tier's rate limit.
	ThrottleHighWatermark float64
	// ThrottleLowWatermark leaves Throttled below this fraction. Keeping it
	// under the high watermark prevents flapping.
	ThrottleLowWatermark float64
}

func (c Config) withDefaults() Config {
	if c.WarmupAttempts <= 0 {
		c.WarmupAttempts = 3
	}
	if c.WarmupBackoff <= 0 {
		c.WarmupBackoff = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ThrottleHighWatermark <= 0 {
		c.ThrottleHighWatermark = 0.9
	}
	if c.ThrottleLowWatermark <= 0 {
		c.ThrottleLowWatermark = 0.6
	}
	return c
}

// warmupJob is a single in-flight warm-up that concurrent arrivals join.
type warmupJob struct {
	done chan struct{}
	err  error
}

// tenantState is the serialized per-tenant record.
type tenantState struct {
	mu           sync.Mutex
	state        State
	limits       tier.Limits
	lastActivity time.Time
	inflight     int
	warmup       *warmupJob
	drain        chan struct{} // closed when an in-progress drain finishes
}

// Manager owns every tenant's lifecycle on this instance.
type Manager struct {
	cfg       Config
	router    *store.Router
	snapshots *snapshot.Manager
	gate      *admission.Controller
	logger    *observability.Logger
	metrics   *observability.Metrics
	onEvent   func(admission.Event)

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, router *store.Router, snapshots *snapshot.Manager, gate *admission.Controller, logger *observability.Logger, metrics *observability.Metrics, onEvent func(admission.Event)) *Manager {
	if onEvent == nil {
		onEvent = func(admission.Event) {}
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		router:    router,
		snapshots: snapshots,
		gate:      gate,
		logger:    logger,
		metrics:   metrics,
		onEvent:   onEvent,
		tenants:   make(map[string]*tenantState),
	}
}

func (m *Manager) tenant(tenantID string) *tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = &tenantState{state: StateDormant, lastActivity: time.Now()}
		m.tenants[tenantID] = ts
	}
	return ts
}

// StateOf reports the tenant's current lifecycle state.
func (m *Manager) StateOf(tenantID string) State {
	ts := m.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

func (m *Manager) setState(ts *tenantState, tenantID string, next State) {
	prev := ts.state
	if prev == next {
		return
	}
	ts.state = next
	m.metrics.TransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	m.metrics.SetLifecycleState(tenantID, string(next), AllStates)
	m.logger.WithTenant(tenantID).
		WithField("from", string(prev)).
		WithField("to", string(next)).
		Info("lifecycle transition")
}

// EnsureActive brings the tenant to a state that can serve traffic, warming
// it up from Dormant if needed. Concurrent callers during a warm-up join the
// same job. A tenant mid-drain waits for the drain, then warms up fresh.
func (m *Manager) EnsureActive(ctx context.Context, resolved *tier.Resolved) error {
	ts := m.tenant(resolved.TenantID)

	for {
		ts.mu.Lock()
		ts.limits = resolved.Limits
		switch ts.state {
		case StateActive, StateThrottled:
			ts.lastActivity = time.Now()
			ts.mu.Unlock()
			return nil

		case StateWarming:
			job := ts.warmup
			ts.mu.Unlock()
			select {
			case <-job.done:
				if job.err != nil {
					return job.err
				}
				// Re-check: the tenant may have drained again already.
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateDraining:
			drained := ts.drain
			ts.mu.Unlock()
			select {
			case <-drained:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateDormant:
			job := &warmupJob{done: make(chan struct{})}
			ts.warmup = job
			m.setState(ts, resolved.TenantID, StateWarming)
			ts.mu.Unlock()

			job.err = m.warmup(ctx, resolved, ts)
			ts.mu.Lock()
			ts.warmup = nil
			if job.err != nil {
				m.setState(ts, resolved.TenantID, StateDormant)
			} else {
				m.setState(ts, resolved.TenantID, StateActive)
				ts.lastActivity = time.Now()
			}
			ts.mu.Unlock()
			close(job.done)
			return job.err
		}
	}
}

// Prewarm warms a tenant up ahead of traffic. Used before committing a tier
// upgrade so the new capacity is immediately usable.
func (m *Manager) Prewarm(ctx context.Context, resolved *tier.Resolved) error {
	return m.EnsureActive(ctx, resolved)
}

// warmup restores every store's working set and applies session limits, with
// exponential backoff between attempts. Hot-tier snapshots restore on the
// spot; a cold-tier snapshot hydrates in the background while the tenant
// serves on the slow path.
func (m *Manager) warmup(ctx context.Context, resolved *tier.Resolved, ts *tenantState) error {
	tenantID := resolved.TenantID
	start := time.Now()
	backoff := m.cfg.WarmupBackoff

	var lastErr error
	for attempt := 1; attempt <= m.cfg.WarmupAttempts; attempt++ {
		lastErr = m.warmupOnce(ctx, resolved)
		if lastErr == nil {
			m.metrics.WarmupDuration.WithLabelValues(tenantID).Observe(time.Since(start).Seconds())
			return nil
		}
		m.logger.WithTenant(tenantID).
			WithField("attempt", attempt).
			WithError(lastErr).
			Warn("warm-up attempt failed")
		if attempt < m.cfg.WarmupAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	m.metrics.WarmupFailsTotal.WithLabelValues(tenantID).Inc()
	return &WarmupFailedError{TenantID: tenantID, Attempts: m.cfg.WarmupAttempts, Err: lastErr}
}

func (m *Manager) warmupOnce(ctx context.Context, resolved *tier.Resolved) error {
	tenantID := resolved.TenantID
	limits := sessionLimits(resolved.Limits, false)

	for _, backend := range m.router.All() {
		if data, ok := m.snapshots.LoadHot(tenantID, backend.Kind()); ok && len(data) > 0 {
			if err := backend.RestoreWorkingSet(ctx, tenantID, data); err != nil {
				return err
			}
		} else if m.snapshots.HasCold() {
			m.hydrateFromCold(tenantID, backend)
		}
		if err := backend.ApplySessionLimits(ctx, tenantID, limits); err != nil {
			return err
		}
	}
	return nil
}

// hydrateFromCold restores a cold-tier snapshot in the background. The tenant
// is already serving on the slow path by the time this runs; the restore only
// speeds it up once the download lands.
func (m *Manager) hydrateFromCold(tenantID string, backend store.Backend) {
	async.SafeGo(context.Background(), coldHydrationTimeout, "cold working set hydration", func(ctx context.Context) error {
		data, err := m.snapshots.Load(ctx, tenantID, backend.Kind())
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return backend.RestoreWorkingSet(ctx, tenantID, data)
	})
}

// OpStarted marks the start of an operation. Blocks dormancy while in
// flight.
func (m *Manager) OpStarted(tenantID string) {
	ts := m.tenant(tenantID)
	ts.mu.Lock()
	ts.inflight++
	ts.lastActivity = time.Now()
	ts.mu.Unlock()
}

// OpFinished marks the end of an operation.
func (m *Manager) OpFinished(tenantID string) {
	ts := m.tenant(tenantID)
	ts.mu.Lock()
	if ts.inflight > 0 {
		ts.inflight--
	}
	ts.lastActivity = time.Now()
	ts.mu.Unlock()
}

// EvaluateLoad applies the throttle watermarks to a load report. Above the
// high watermark the tenant enters Throttled and the stores get degraded
// session limits; below the low watermark it recovers.
func (m *Manager) EvaluateLoad(ctx context.Context, tenantID string, load store.Load) {
	ts := m.tenant(tenantID)
	ts.mu.Lock()
	limits := ts.limits
	state := ts.state
	ts.mu.Unlock()

	if limits.MaxOpsPerSecond <= 0 || (state != StateActive && state != StateThrottled) {
		return
	}
	fraction := load.OpsPerSecond / float64(limits.MaxOpsPerSecond)

	switch {
	case state == StateActive && fraction >= m.cfg.ThrottleHighWatermark:
		m.applySessionLimits(ctx, tenantID, sessionLimits(limits, true))
		ts.mu.Lock()
		if ts.state == StateActive {
			m.setState(ts, tenantID, StateThrottled)
		}
		ts.mu.Unlock()
		m.onEvent(admission.Event{TenantID: tenantID, Kind: admission.EventThrottle, Reason: "high_watermark", At: time.Now()})

	case state == StateThrottled && fraction <= m.cfg.ThrottleLowWatermark:
		m.applySessionLimits(ctx, tenantID, sessionLimits(limits, false))
		ts.mu.Lock()
		if ts.state == StateThrottled {
			m.setState(ts, tenantID, StateActive)
		}
		ts.mu.Unlock()
	}
}

func (m *Manager) applySessionLimits(ctx context.Context, tenantID string, limits store.SessionLimits) {
	for _, backend := range m.router.All() {
		if err := backend.ApplySessionLimits(ctx, tenantID, limits); err != nil {
			m.logger.WithTenant(tenantID).WithError(err).Warn("failed to apply session limits")
		}
	}
}

// Drain takes an idle tenant to Dormant: snapshot every store's working set,
// release store resources, close any leftover leases. Snapshots are a warm-up
// accelerator, not durable state, so a snapshot failure never blocks
// dormancy: the failure is logged and counted and the next warm-up takes the
// slow path.
func (m *Manager) Drain(ctx context.Context, tenantID string) error {
	ts := m.tenant(tenantID)

	ts.mu.Lock()
	if ts.state != StateActive && ts.state != StateThrottled {
		ts.mu.Unlock()
		return nil
	}
	if ts.inflight > 0 {
		ts.mu.Unlock()
		return nil
	}
	drained := make(chan struct{})
	ts.drain = drained
	m.setState(ts, tenantID, StateDraining)
	ts.mu.Unlock()
	defer close(drained)

	for _, backend := range m.router.All() {
		data, err := backend.SnapshotWorkingSet(ctx, tenantID)
		if err != nil {
			m.metrics.DrainSnapshotFails.WithLabelValues(tenantID).Inc()
			m.logger.WithTenant(tenantID).
				WithField("store", string(backend.Kind())).
				WithError(err).
				Error("drain snapshot failed, next warm-up needs a full recovery")
			continue
		}
		if err := m.snapshots.Save(ctx, tenantID, backend.Kind(), data); err != nil {
			m.metrics.DrainSnapshotFails.WithLabelValues(tenantID).Inc()
			m.logger.WithTenant(tenantID).
				WithField("store", string(backend.Kind())).
				WithError(err).
				Error("drain snapshot save failed, next warm-up needs a full recovery")
		}
	}

	for _, backend := range m.router.All() {
		if err := backend.ReleaseTenant(ctx, tenantID); err != nil {
			m.logger.WithTenant(tenantID).WithError(err).Warn("store release failed during drain")
		}
	}
	m.gate.ReleaseTenant(tenantID)

	ts.mu.Lock()
	m.setState(ts, tenantID, StateDormant)
	ts.mu.Unlock()
	return nil
}

// RunSweeper scans periodically for tenants past their tier's idle timeout
// and drains them. Blocks until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	candidates := make([]string, 0)
	for id, ts := range m.tenants {
		ts.mu.Lock()
		idle := ts.limits.IdleTimeout > 0 &&
			(ts.state == StateActive || ts.state == StateThrottled) &&
			ts.inflight == 0 &&
			m.gate.ActiveLeases(id) == 0 &&
			now.Sub(ts.lastActivity) >= ts.limits.IdleTimeout
		ts.mu.Unlock()
		if idle {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		if err := m.Drain(ctx, id); err != nil {
			m.logger.WithTenant(id).WithError(err).Warn("idle drain failed")
		}
	}
}

// DrainAll drains every non-dormant tenant. Used on shutdown so working sets
// are durable before the process exits.
func (m *Manager) DrainAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Drain(ctx, id); err != nil {
			m.logger.WithTenant(id).WithError(err).Warn("shutdown drain failed")
		}
	}
}

// sessionLimits derives store-side limits from tier limits. Throttled
// tenants run with half the connections and a quarter of the work memory.
func sessionLimits(l tier.Limits, throttled bool) store.SessionLimits {
	limits := store.SessionLimits{
		MaxSessionConnections: l.MaxConnections,
		WorkMemBytes:          64 << 20,
	}
	if throttled {
		limits.MaxSessionConnections = (l.MaxConnections + 1) / 2
		limits.WorkMemBytes = 16 << 20
	}
	return limits
}
