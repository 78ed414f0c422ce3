package transition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
)

// AbortedError is returned when a store rejected the prepare phase. Nothing
// was changed anywhere; the tenant keeps its old tier.
type AbortedError struct {
	TenantID string
	Store    store.Kind
	Err      error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("tier transition for tenant %s aborted: store %s rejected prepare: %v",
		e.TenantID, e.Store, e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// IsAborted checks if an error is a transition abort.
func IsAborted(err error) bool {
	_, ok := err.(*AbortedError)
	return ok
}

// ErrInProgress is returned when a transition for the tenant is already
// running. Transitions for one tenant are strictly serialized.
type ErrInProgress struct {
	TenantID string
}

func (e *ErrInProgress) Error() string {
	return fmt.Sprintf("a tier transition for tenant %s is already in progress", e.TenantID)
}

// Config tunes the coordinator.
type Config struct {
	// PrepareTimeout bounds the prepare fan-out across stores.
	PrepareTimeout time.Duration
	// DowngradeGrace is how long existing leases above a lowered ceiling
	// may live before eviction.
	DowngradeGrace time.Duration
	// OnEvent receives a downgrade event when a grace period opens. Must
	// not block.
	OnEvent func(admission.Event)
}

func (c Config) withDefaults() Config {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 10 * time.Second
	}
	if c.DowngradeGrace <= 0 {
		c.DowngradeGrace = 15 * time.Minute
	}
	return c
}

// Coordinator runs tier transitions.
type Coordinator struct {
	cfg       Config
	registry  tier.Registry
	cache     *tier.Cache
	router    *store.Router
	gate      *admission.Controller
	lifecycle *lifecycle.Manager
	logger    *observability.Logger
	metrics   *observability.Metrics
	onEvent   func(admission.Event)

	mu          sync.Mutex
	inflight    map[string]bool
	graceTimers map[string]*time.Timer
}

// NewCoordinator creates a transition coordinator.
func NewCoordinator(cfg Config, registry tier.Registry, cache *tier.Cache, router *store.Router, gate *admission.Controller, lm *lifecycle.Manager, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	cfg = cfg.withDefaults()
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(admission.Event) {}
	}
	return &Coordinator{
		cfg:         cfg,
		registry:    registry,
		cache:       cache,
		router:      router,
		gate:        gate,
		lifecycle:   lm,
		logger:      logger,
		metrics:     metrics,
		onEvent:     onEvent,
		inflight:    make(map[string]bool),
		graceTimers: make(map[string]*time.Timer),
	}
}

// SetTier moves a tenant to the target tier level atomically across every
// store. Upgrades prewarm before commit so new capacity is usable
// immediately; downgrades keep existing leases alive for the grace period.
func (c *Coordinator) SetTier(ctx context.Context, tenantID string, target tier.Level) error {
	if !target.Valid() {
		return fmt.Errorf("invalid tier level %d", int(target))
	}

	c.mu.Lock()
	if c.inflight[tenantID] {
		c.mu.Unlock()
		return &ErrInProgress{TenantID: tenantID}
	}
	c.inflight[tenantID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, tenantID)
		c.mu.Unlock()
	}()

	tenant, err := c.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	current := tenant.EffectiveLevel()
	if current == target {
		return nil
	}

	table, err := c.registry.CurrentLimitTable(ctx)
	if err != nil {
		return fmt.Errorf("failed to load limit table: %w", err)
	}
	newLimits, err := table.LimitsFor(target)
	if err != nil {
		return err
	}
	upgrade := target > current

	overCeiling, err := c.prepare(ctx, tenantID, newLimits)
	if err != nil {
		return err
	}

	if upgrade {
		resolved := &tier.Resolved{
			TenantID:   tenantID,
			Level:      target,
			Limits:     newLimits,
			ResolvedAt: time.Now(),
		}
		if err := c.lifecycle.Prewarm(ctx, resolved); err != nil {
			c.logger.WithTenant(tenantID).WithError(err).Warn("prewarm before upgrade failed, committing anyway")
		}
	}

	// Commit: registry first, then store enforcement, then admission, and
	// the cache invalidation last so stale reads can only ever see the old
	// tier, never the new tier before enforcement.
	if err := c.registry.SetTenantTier(ctx, tenantID, target); err != nil {
		return fmt.Errorf("failed to commit tier change: %w", err)
	}
	c.applyLimits(ctx, tenantID, newLimits)
	c.gate.SetLimits(tenantID, newLimits)
	if err := c.cache.Invalidate(ctx, tenantID); err != nil {
		c.logger.WithTenant(tenantID).WithError(err).Warn("tier cache invalidation failed, entry expires by TTL")
	}

	direction := "upgrade"
	if !upgrade {
		direction = "downgrade"
		// A grace period only exists to wind down forced closures. When
		// live usage already fits under the new ceiling, both at prepare
		// and now at commit, there is nothing to evict.
		if overCeiling || c.gate.ActiveLeases(tenantID) > newLimits.MaxConnections {
			c.scheduleEviction(tenantID, newLimits.MaxConnections)
			c.onEvent(admission.Event{
				TenantID: tenantID,
				Kind:     admission.EventDowngrade,
				Reason:   "grace_period_opened",
				At:       time.Now(),
			})
		}
	}
	c.metrics.TierTransitionsTotal.WithLabelValues(direction).Inc()
	c.logger.WithTenant(tenantID).
		WithField("from", current.String()).
		WithField("to", target.String()).
		WithField("direction", direction).
		Info("tier transition committed")
	return nil
}

// prepare fans out to every store and aborts on the first rejection. It also
// consults the admission gate: the returned flag reports whether live leases
// already exceed the proposed ceiling, which decides the downgrade grace
// period at commit.
func (c *Coordinator) prepare(parent context.Context, tenantID string, limits tier.Limits) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.PrepareTimeout)
	defer cancel()

	live := c.gate.ActiveLeases(tenantID)
	overCeiling := live > limits.MaxConnections
	if overCeiling {
		c.logger.WithTenant(tenantID).
			WithField("live_leases", live).
			WithField("proposed_ceiling", limits.MaxConnections).
			Info("live leases exceed the proposed ceiling")
	}

	session := store.SessionLimits{
		MaxSessionConnections: limits.MaxConnections,
		WorkMemBytes:          64 << 20,
	}

	var mu sync.Mutex
	var abort *AbortedError

	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range c.router.All() {
		backend := backend
		g.Go(func() error {
			if err := backend.Prepare(gctx, tenantID, session); err != nil {
				mu.Lock()
				if abort == nil {
					abort = &AbortedError{TenantID: tenantID, Store: backend.Kind(), Err: err}
				}
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if abort != nil {
			c.metrics.TierTransitionAborts.WithLabelValues(string(abort.Store)).Inc()
			return false, abort
		}
		return false, err
	}
	return overCeiling, nil
}

func (c *Coordinator) applyLimits(ctx context.Context, tenantID string, limits tier.Limits) {
	session := store.SessionLimits{
		MaxSessionConnections: limits.MaxConnections,
		WorkMemBytes:          64 << 20,
	}
	for _, backend := range c.router.All() {
		if err := backend.ApplySessionLimits(ctx, tenantID, session); err != nil {
			c.logger.WithTenant(tenantID).WithError(err).Warn("failed to apply committed limits")
		}
	}
}

// scheduleEviction starts the downgrade grace timer. A newer transition for
// the same tenant replaces a pending timer.
func (c *Coordinator) scheduleEviction(tenantID string, maxConnections int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.graceTimers[tenantID]; ok {
		if timer.Stop() {
			c.metrics.GracePeriodsActive.Dec()
		}
	}
	c.metrics.GracePeriodsActive.Inc()
	c.graceTimers[tenantID] = time.AfterFunc(c.cfg.DowngradeGrace, func() {
		c.metrics.GracePeriodsActive.Dec()
		evicted := c.gate.EvictToLimit(tenantID, maxConnections)
		if evicted > 0 {
			c.logger.WithTenant(tenantID).WithField("evicted", evicted).Info("downgrade grace expired, evicted excess leases")
		}
		c.mu.Lock()
		delete(c.graceTimers, tenantID)
		c.mu.Unlock()
	})
}

// GraceActive reports whether the tenant has a pending downgrade eviction.
func (c *Coordinator) GraceActive(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.graceTimers[tenantID]
	return ok
}

// Close cancels pending grace timers. Evictions that have not fired yet are
// abandoned; the next transition or restart re-establishes the ceiling.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.graceTimers {
		if timer.Stop() {
			c.metrics.GracePeriodsActive.Dec()
		}
		delete(c.graceTimers, id)
	}
}
