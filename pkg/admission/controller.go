package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/tier"
)

// Lease is one admitted connection. Holders watch Done to learn about forced
// eviction after a downgrade grace period expires.
type Lease struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// Done is closed when the lease is released or evicted.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

func (l *Lease) close() {
	l.doneOnce.Do(func() { close(l.done) })
}

// EventKind classifies limit events emitted to subscribers.
type EventKind string

const (
	EventRejection    EventKind = "rejection"
	EventQueueTimeout EventKind = "queue_timeout"
	EventEviction     EventKind = "eviction"
	EventThrottle     EventKind = "throttle"
	EventDowngrade    EventKind = "downgrade_grace"
	EventDrift        EventKind = "attribution_drift"
)

// Event describes a limit being hit for a tenant.
type Event struct {
	TenantID string
	Kind     EventKind
	Reason   string
	At       time.Time
}

// waiter is one caller parked in the admission queue. The releaser hands a
// granted lease directly to the head waiter; a waiter that gives up marks
// itself abandoned under the gate lock so the handoff cannot race.
type waiter struct {
	ch        chan *Lease
	enqueued  time.Time
	abandoned bool
}

// tenantGate holds one tenant's connection accounting.
type tenantGate struct {
	mu     sync.Mutex
	limits tier.Limits
	leases map[string]*Lease
	queue  []*waiter
}

// Controller is the admission gate for all tenants on this instance.
type Controller struct {
	mu      sync.RWMutex
	gates   map[string]*tenantGate
	byLease map[string]string // lease id -> tenant id

	rates   *RateLimiter
	logger  *observability.Logger
	metrics *observability.Metrics
	onEvent func(Event)
}

// Config configures the admission controller.
type Config struct {
	// OnEvent receives limit events. Must not block; the notify dispatcher
	// hands them off to its own workers.
	OnEvent func(Event)
}

// NewController creates an admission controller. The rate limiter is
// required; build one with NewRateLimiter.
func NewController(cfg Config, rates *RateLimiter, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Controller{
		gates:   make(map[string]*tenantGate),
		byLease: make(map[string]string),
		rates:   rates,
		logger:  logger,
		metrics: metrics,
		onEvent: onEvent,
	}
}

func (c *Controller) gate(tenantID string, limits tier.Limits) *tenantGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[tenantID]
	if !ok {
		g = &tenantGate{limits: limits, leases: make(map[string]*Lease)}
		c.gates[tenantID] = g
	}
	return g
}

// Admit runs the connection gate for one tenant. Below the ceiling it grants
// a lease immediately. At the ceiling it queues when the tier queues, bounded
// by queue depth and queue wait, and rejects otherwise.
func (c *Controller) Admit(ctx context.Context, resolved *tier.Resolved) (*Lease, error) {
	tenantID := resolved.TenantID
	limits := resolved.Limits
	g := c.gate(tenantID, limits)

	g.mu.Lock()
	g.limits = limits

	if len(g.leases) < limits.MaxConnections {
		lease := c.grantLocked(g, tenantID)
		g.mu.Unlock()
		return lease, nil
	}

	if !limits.QueueAdmission || len(g.queue) >= limits.MaxQueueDepth {
		g.mu.Unlock()
		reason := ReasonConnections
		if limits.QueueAdmission {
			reason = ReasonQueueFull
		}
		c.reject(tenantID, reason, limits.MaxConnections)
		// A queueing tier turns over within its queue wait; tiers without a
		// queue have no window to size the hint from.
		retryAfter := limits.MaxQueueWait
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return nil, &DeniedError{
			TenantID:   tenantID,
			Reason:     reason,
			Limit:      limits.MaxConnections,
			RetryAfter: retryAfter,
		}
	}

	w := &waiter{ch: make(chan *Lease, 1), enqueued: time.Now()}
	g.queue = append(g.queue, w)
	depth := len(g.queue)
	g.mu.Unlock()

	c.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(depth))

	wait := limits.MaxQueueWait
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wait {
			wait = until
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case lease := <-w.ch:
		c.metrics.QueueWaitDuration.WithLabelValues(tenantID).Observe(time.Since(w.enqueued).Seconds())
		return lease, nil
	case <-timer.C:
		if lease, ok := c.abandon(g, w); ok {
			return lease, nil
		}
		waited := time.Since(w.enqueued)
		c.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(c.QueueLen(tenantID)))
		c.onEvent(Event{TenantID: tenantID, Kind: EventQueueTimeout, Reason: ReasonConnections, At: time.Now()})
		return nil, &QueueTimeoutError{TenantID: tenantID, Waited: waited}
	case <-ctx.Done():
		if lease, ok := c.abandon(g, w); ok {
			return lease, nil
		}
		c.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(c.QueueLen(tenantID)))
		return nil, ctx.Err()
	}
}

// abandon marks the waiter as given up. Returns a lease if the releaser won
// the race and already handed one over.
func (c *Controller) abandon(g *tenantGate, w *waiter) (*Lease, bool) {
	g.mu.Lock()
	w.abandoned = true
	g.mu.Unlock()
	select {
	case lease := <-w.ch:
		return lease, true
	default:
		return nil, false
	}
}

// grantLocked creates and registers a lease. Caller holds g.mu.
func (c *Controller) grantLocked(g *tenantGate, tenantID string) *Lease {
	lease := &Lease{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	g.leases[lease.ID] = lease

	c.mu.Lock()
	c.byLease[lease.ID] = tenantID
	c.mu.Unlock()

	c.metrics.LeasesActive.WithLabelValues(tenantID).Set(float64(len(g.leases)))
	return lease
}

func (c *Controller) reject(tenantID, reason string, limit int) {
	c.metrics.RejectionsTotal.WithLabelValues(tenantID, reason).Inc()
	c.logger.WithTenant(tenantID).WithField("reason", reason).Debug("admission rejected")
	c.onEvent(Event{TenantID: tenantID, Kind: EventRejection, Reason: reason, At: time.Now()})
}

// Lookup resolves a lease id to its lease.
func (c *Controller) Lookup(leaseID string) (*Lease, error) {
	c.mu.RLock()
	tenantID, ok := c.byLease[leaseID]
	c.mu.RUnlock()
	if !ok {
		return nil, &ErrLeaseNotFound{LeaseID: leaseID}
	}
	c.mu.RLock()
	g := c.gates[tenantID]
	c.mu.RUnlock()
	g.mu.Lock()
	lease, ok := g.leases[leaseID]
	g.mu.Unlock()
	if !ok {
		return nil, &ErrLeaseNotFound{LeaseID: leaseID}
	}
	return lease, nil
}

// Release returns a lease's slot and hands it to the head of the queue when
// someone is waiting.
func (c *Controller) Release(leaseID string) error {
	c.mu.Lock()
	tenantID, ok := c.byLease[leaseID]
	delete(c.byLease, leaseID)
	g := c.gates[tenantID]
	c.mu.Unlock()
	if !ok || g == nil {
		return &ErrLeaseNotFound{LeaseID: leaseID}
	}

	g.mu.Lock()
	lease, ok := g.leases[leaseID]
	if !ok {
		g.mu.Unlock()
		return &ErrLeaseNotFound{LeaseID: leaseID}
	}
	delete(g.leases, leaseID)
	lease.close()
	c.promoteLocked(g, tenantID)
	active := len(g.leases)
	g.mu.Unlock()

	c.metrics.LeasesActive.WithLabelValues(tenantID).Set(float64(active))
	return nil
}

// promoteLocked grants freed slots to queued waiters in FIFO order. Caller
// holds g.mu.
func (c *Controller) promoteLocked(g *tenantGate, tenantID string) {
	for len(g.queue) > 0 && len(g.leases) < g.limits.MaxConnections {
		w := g.queue[0]
		g.queue = g.queue[1:]
		c.metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(len(g.queue)))
		if w.abandoned {
			continue
		}
		w.ch <- c.grantLocked(g, tenantID)
	}
}

// AllowOp runs the rate gate for one operation.
func (c *Controller) AllowOp(ctx context.Context, tenantID string, limits tier.Limits) error {
	if c.rates.Allow(ctx, tenantID, limits.MaxOpsPerSecond) {
		return nil
	}
	c.reject(tenantID, ReasonRate, limits.MaxOpsPerSecond)
	return &DeniedError{
		TenantID:   tenantID,
		Reason:     ReasonRate,
		Limit:      limits.MaxOpsPerSecond,
		RetryAfter: c.rates.RetryAfter(),
	}
}

// SetLimits swaps in new limits for subsequent admissions. Existing leases
// above a lowered ceiling are untouched; the transition coordinator evicts
// them after the grace period via EvictToLimit.
func (c *Controller) SetLimits(tenantID string, limits tier.Limits) {
	g := c.gate(tenantID, limits)
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
	c.rates.Reset(tenantID)
}

// ActiveLeases reports the tenant's live lease count.
func (c *Controller) ActiveLeases(tenantID string) int {
	c.mu.RLock()
	g := c.gates[tenantID]
	c.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

// QueueLen reports the tenant's current queue depth.
func (c *Controller) QueueLen(tenantID string) int {
	c.mu.RLock()
	g := c.gates[tenantID]
	c.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range g.queue {
		if !w.abandoned {
			n++
		}
	}
	return n
}

// EvictToLimit force-closes the oldest leases until the tenant is at or
// below max. Used when a downgrade grace period expires.
func (c *Controller) EvictToLimit(tenantID string, max int) int {
	c.mu.RLock()
	g := c.gates[tenantID]
	c.mu.RUnlock()
	if g == nil {
		return 0
	}

	g.mu.Lock()
	excess := len(g.leases) - max
	if excess <= 0 {
		g.mu.Unlock()
		return 0
	}
	all := make([]*Lease, 0, len(g.leases))
	for _, l := range g.leases {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	evicted := all[:excess]
	for _, l := range evicted {
		delete(g.leases, l.ID)
	}
	active := len(g.leases)
	g.mu.Unlock()

	c.mu.Lock()
	for _, l := range evicted {
		delete(c.byLease, l.ID)
	}
	c.mu.Unlock()

	for _, l := range evicted {
		l.close()
		c.metrics.EvictionsTotal.WithLabelValues(tenantID).Inc()
		c.onEvent(Event{TenantID: tenantID, Kind: EventEviction, Reason: ReasonConnections, At: time.Now()})
	}
	c.metrics.LeasesActive.WithLabelValues(tenantID).Set(float64(active))
	c.logger.WithTenant(tenantID).WithField("evicted", len(evicted)).Info("evicted leases above tier ceiling")
	return len(evicted)
}

// ReleaseTenant drops all gate state for a tenant. Called when the tenant
// goes dormant; any remaining leases are closed first.
func (c *Controller) ReleaseTenant(tenantID string) {
	c.mu.Lock()
	g := c.gates[tenantID]
	delete(c.gates, tenantID)
	c.mu.Unlock()
	if g == nil {
		return
	}
	g.mu.Lock()
	leases := g.leases
	g.leases = make(map[string]*Lease)
	g.mu.Unlock()

	c.mu.Lock()
	for id := range leases {
		delete(c.byLease, id)
	}
	c.mu.Unlock()

	for _, l := range leases {
		l.close()
	}
	c.metrics.LeasesActive.WithLabelValues(tenantID).Set(0)
	c.rates.Reset(tenantID)
}
