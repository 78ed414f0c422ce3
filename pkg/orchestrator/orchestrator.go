package orchestrator

import (
	"context"
	"time"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
	"github.com/platinummonkey/strata/pkg/transition"
	"github.com/platinummonkey/strata/pkg/usage"
)

// UsageReader serves historical usage queries.
type UsageReader interface {
	TenantRollups(ctx context.Context, tenantID string, from, to time.Time) ([]usage.TenantUsage, error)
}

// Status is the control-plane view of one tenant.
type Status struct {
	TenantID       string          `json:"tenant_id"`
	Level          tier.Level      `json:"level"`
	Limits         tier.Limits     `json:"limits"`
	TableVersion   string          `json:"table_version"`
	Degraded       bool            `json:"degraded"`
	LifecycleState lifecycle.State `json:"lifecycle_state"`
	ActiveLeases   int             `json:"active_leases"`
	QueueDepth     int             `json:"queue_depth"`
	GraceActive    bool            `json:"grace_active"`
}

// Orchestrator is the tier orchestrator service.
type Orchestrator struct {
	registry  tier.Registry
	cache     *tier.Cache
	gate      *admission.Controller
	lifecycle *lifecycle.Manager
	router    *store.Router
	recorder  *usage.Recorder
	coord     *transition.Coordinator
	usageRead UsageReader
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// New creates an orchestrator over already-constructed components.
func New(registry tier.Registry, cache *tier.Cache, gate *admission.Controller, lm *lifecycle.Manager, router *store.Router, recorder *usage.Recorder, coord *transition.Coordinator, usageRead UsageReader, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		cache:     cache,
		gate:      gate,
		lifecycle: lm,
		router:    router,
		recorder:  recorder,
		coord:     coord,
		usageRead: usageRead,
		logger:    logger,
		metrics:   metrics,
	}
}

// OpenLease admits a new connection for the tenant, warming the tenant up
// first when it is dormant. The tier always comes from the cache; anything
// the client claims about its own tier is ignored.
func (o *Orchestrator) OpenLease(ctx context.Context, tenantID string) (*admission.Lease, *tier.Resolved, error) {
	resolved, err := o.cache.GetTier(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.lifecycle.EnsureActive(ctx, resolved); err != nil {
		return nil, nil, err
	}
	lease, err := o.gate.Admit(ctx, resolved)
	if err != nil {
		return nil, nil, err
	}
	return lease, resolved, nil
}

// CloseLease releases a connection.
func (o *Orchestrator) CloseLease(ctx context.Context, leaseID string) error {
	return o.gate.Release(leaseID)
}

// Execute runs one operation under an existing lease: rate gate, tier
// operation timeout, store dispatch, usage sample.
func (o *Orchestrator) Execute(ctx context.Context, leaseID string, op store.Operation) (*store.Result, error) {
	lease, err := o.gate.Lookup(leaseID)
	if err != nil {
		return nil, err
	}
	tenantID := lease.TenantID

	resolved, err := o.cache.GetTier(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := o.gate.AllowOp(ctx, tenantID, resolved.Limits); err != nil {
		return nil, err
	}
	backend, err := o.router.Route(op)
	if err != nil {
		return nil, err
	}

	o.lifecycle.OpStarted(tenantID)
	defer o.lifecycle.OpFinished(tenantID)

	opCtx := ctx
	if resolved.Limits.OperationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, resolved.Limits.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := backend.Execute(opCtx, tenantID, op)
	duration := time.Since(start)

	// Failed operations still consumed resources; sample them too.
	o.recorder.Record(usage.Sample{
		TenantID:    tenantID,
		Store:       op.Store,
		Command:     op.Command,
		Duration:    duration,
		Complexity:  op.ComplexityHint,
		Parallelism: 1,
		At:          start,
	})
	if err != nil {
		return nil, err
	}

	if load, lerr := backend.ReportLoad(ctx, tenantID); lerr == nil {
		o.lifecycle.EvaluateLoad(ctx, tenantID, *load)
	}
	return result, nil
}

// SetTier runs an atomic tier transition.
func (o *Orchestrator) SetTier(ctx context.Context, tenantID string, target tier.Level) error {
	return o.coord.SetTier(ctx, tenantID, target)
}

// TierStatus reports a tenant's resolved tier plus live orchestration state.
func (o *Orchestrator) TierStatus(ctx context.Context, tenantID string) (*Status, error) {
	resolved, err := o.cache.GetTier(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Status{
		TenantID:       tenantID,
		Level:          resolved.Level,
		Limits:         resolved.Limits,
		TableVersion:   resolved.TableVersion,
		Degraded:       resolved.Degraded,
		LifecycleState: o.lifecycle.StateOf(tenantID),
		ActiveLeases:   o.gate.ActiveLeases(tenantID),
		QueueDepth:     o.gate.QueueLen(tenantID),
		GraceActive:    o.coord.GraceActive(tenantID),
	}, nil
}

// CreateTenant registers a new tenant at the given level.
func (o *Orchestrator) CreateTenant(ctx context.Context, tenantID string, level tier.Level) error {
	return o.registry.CreateTenant(ctx, &tier.Tenant{ID: tenantID, Level: level, CreatedAt: time.Now()})
}

// ArchiveTenant drains and archives a tenant. Its data and usage history
// stay; it just stops resolving.
func (o *Orchestrator) ArchiveTenant(ctx context.Context, tenantID string) error {
	if err := o.lifecycle.Drain(ctx, tenantID); err != nil {
		o.logger.WithTenant(tenantID).WithError(err).Warn("drain before archive failed")
	}
	if err := o.registry.ArchiveTenant(ctx, tenantID); err != nil {
		return err
	}
	return o.cache.Invalidate(ctx, tenantID)
}

// Usage lists a tenant's usage rollups in the window.
func (o *Orchestrator) Usage(ctx context.Context, tenantID string, from, to time.Time) ([]usage.TenantUsage, error) {
	return o.usageRead.TenantRollups(ctx, tenantID, from, to)
}
