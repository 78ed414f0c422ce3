package store

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies a backing store flavor.
type Kind string

const (
	KindRelational Kind = "relational"
	KindKeyValue   Kind = "keyvalue"
	KindDocument   Kind = "document"
	KindBranch     Kind = "branch"
)

// Operation is one client operation routed to a backing store.
type Operation struct {
	Store   Kind                   `json:"store"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`

	// ComplexityHint feeds usage estimation: 1.0 is a plain point
	// read/write, larger values mark scans, joins and aggregations.
	ComplexityHint float64 `json:"complexity_hint,omitempty"`
}

// Result is the outcome of an executed operation.
type Result struct {
	Data     interface{}   `json:"data,omitempty"`
	Rows     int           `json:"rows,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SessionLimits are the per-tenant ceilings a store enforces on its side.
// The lifecycle supervisor swaps in a degraded version while throttled.
type SessionLimits struct {
	MaxSessionConnections int   `json:"max_session_connections"`
	WorkMemBytes          int64 `json:"work_mem_bytes"`
}

// Load is a store's self-reported current usage for one tenant.
type Load struct {
	ActiveConnections int     `json:"active_connections"`
	OpsPerSecond      float64 `json:"ops_per_second"`
}

// Backend is the capability surface of one backing store. Implementations
// must be safe for concurrent use across tenants.
type Backend interface {
	Kind() Kind

	// Prepare checks whether the store can accept the given limits for the
	// tenant, including whether current live usage already exceeds them.
	// Used by the transition coordinator's prepare phase; must not apply
	// anything.
	Prepare(ctx context.Context, tenantID string, limits SessionLimits) error

	// ApplySessionLimits applies new per-tenant limits.
	ApplySessionLimits(ctx context.Context, tenantID string, limits SessionLimits) error

	// Execute runs one operation for the tenant. The context carries the
	// tier's operation timeout.
	Execute(ctx context.Context, tenantID string, op Operation) (*Result, error)

	// ReportLoad returns the tenant's current usage as seen by the store.
	ReportLoad(ctx context.Context, tenantID string) (*Load, error)

	// SnapshotWorkingSet serializes the tenant's warm state so a later
	// restore can skip the cold path.
	SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error)

	// RestoreWorkingSet rehydrates a previously snapshotted working set.
	RestoreWorkingSet(ctx context.Context, tenantID string, snapshot []byte) error

	// ReleaseTenant drops the tenant's warm state and session resources.
	// Called on Draining -> Dormant.
	ReleaseTenant(ctx context.Context, tenantID string) error

	Close() error
}

// ErrUnavailable is returned when a backing store fails mid-operation. It is
// surfaced to the caller with retry guidance and never flips lifecycle state
// by itself.
type ErrUnavailable struct {
	Store      Kind
	RetryAfter time.Duration
	Err        error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("store %s unavailable (retry after %s): %v", e.Store, e.RetryAfter, e.Err)
}

func (e *ErrUnavailable) Unwrap() error {
	return e.Err
}

// IsUnavailable checks if an error is a store-unavailable error.
func IsUnavailable(err error) bool {
	_, ok := err.(*ErrUnavailable)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if _, ok := err.(*ErrUnavailable); ok {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Router dispatches operations to the backend registered for their kind.
type Router struct {
	backends map[Kind]Backend
}

// NewRouter creates a router over the given backends.
func NewRouter(backends ...Backend) *Router {
	r := &Router{backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

// Route returns the backend for an operation.
func (r *Router) Route(op Operation) (Backend, error) {
	b, ok := r.backends[op.Store]
	if !ok {
		return nil, fmt.Errorf("no backend registered for store kind %q", op.Store)
	}
	return b, nil
}

// Get returns the backend for a kind.
func (r *Router) Get(kind Kind) (Backend, bool) {
	b, ok := r.backends[kind]
	return b, ok
}

// All returns every registered backend.
func (r *Router) All() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// Close closes every backend, returning the first error.
func (r *Router) Close() error {
	var firstErr error
	for _, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
