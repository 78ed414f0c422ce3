package tier

import (
	"fmt"
	"time"
)

// Level represents a tenant's tier level. Levels are ordered: a higher level
// carries higher ceilings.
type Level int

const (
	LevelT0 Level = iota
	LevelT1
	LevelT2
	LevelT3
)

// String returns the canonical name of the level.
func (l Level) String() string {
	if l < LevelT0 || l > LevelT3 {
		return fmt.Sprintf("T?(%d)", int(l))
	}
	return []string{"T0", "T1", "T2", "T3"}[l]
}

// Valid reports whether the level is a known tier.
func (l Level) Valid() bool {
	return l >= LevelT0 && l <= LevelT3
}

// ParseLevel parses a level name like "T2".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "T0", "t0":
		return LevelT0, nil
	case "T1", "t1":
		return LevelT1, nil
	case "T2", "t2":
		return LevelT2, nil
	case "T3", "t3":
		return LevelT3, nil
	}
	return LevelT0, fmt.Errorf("unknown tier level: %q", s)
}

// Limits is the resource ceiling bundle for one tier level. A Limits value is
// immutable once published; changing a field produces a new limit table
// version, never an in-place mutation.
type Limits struct {
	Level            Level         `json:"level" yaml:"level"`
	MaxConnections   int           `json:"max_connections" yaml:"max_connections"`
	MaxOpsPerSecond  int           `json:"max_ops_per_second" yaml:"max_ops_per_second"`
	OperationTimeout time.Duration `json:"operation_timeout" yaml:"operation_timeout"`

	// IdleTimeout of zero means the tenant never goes dormant.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// QueueAdmission enables the bounded FIFO wait at the connection gate.
	QueueAdmission bool          `json:"queue_admission" yaml:"queue_admission"`
	MaxQueueDepth  int           `json:"max_queue_depth" yaml:"max_queue_depth"`
	MaxQueueWait   time.Duration `json:"max_queue_wait" yaml:"max_queue_wait"`

	// IncludedUnits is the usage quantum bundled into the tier before overage
	// pricing applies. OverageRateMicros is micro-dollars per unit over it.
	IncludedUnits     float64 `json:"included_units" yaml:"included_units"`
	OverageRateMicros int64   `json:"overage_rate_micros" yaml:"overage_rate_micros"`
}

// NeverIdles reports whether tenants at this level stay resident.
func (l Limits) NeverIdles() bool {
	return l.IdleTimeout <= 0
}

// LimitTable is one published version of the per-level limit set.
type LimitTable struct {
	Version string           `json:"version" yaml:"version"`
	Levels  map[Level]Limits `json:"levels" yaml:"levels"`
}

// LimitsFor returns the limits for a level.
func (t *LimitTable) LimitsFor(level Level) (Limits, error) {
	l, ok := t.Levels[level]
	if !ok {
		return Limits{}, fmt.Errorf("limit table %s has no entry for level %s", t.Version, level)
	}
	return l, nil
}

// Validate checks table completeness and internal consistency.
func (t *LimitTable) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("limit table version is required")
	}
	for _, level := range []Level{LevelT0, LevelT1, LevelT2, LevelT3} {
		l, ok := t.Levels[level]
		if !ok {
			return fmt.Errorf("limit table %s missing level %s", t.Version, level)
		}
		if l.MaxConnections <= 0 {
			return fmt.Errorf("level %s: max_connections must be positive", level)
		}
		if l.MaxOpsPerSecond <= 0 {
			return fmt.Errorf("level %s: max_ops_per_second must be positive", level)
		}
		if l.OperationTimeout <= 0 {
			return fmt.Errorf("level %s: operation_timeout must be positive", level)
		}
		if l.QueueAdmission && l.MaxQueueDepth <= 0 {
			return fmt.Errorf("level %s: queue admission enabled with no queue depth", level)
		}
	}
	return nil
}

// DefaultLimitTable returns the limit table shipped with the deployment.
// Production deployments load a versioned table from the registry or a
// limits file instead.
func DefaultLimitTable() *LimitTable {
	return &LimitTable{
		Version: "builtin-v1",
		Levels: map[Level]Limits{
			LevelT0: {
				Level:            LevelT0,
				MaxConnections:   5,
				MaxOpsPerSecond:  10,
				OperationTimeout: 10 * time.Second,
				IdleTimeout:      5 * time.Minute,
				QueueAdmission:   false,
				IncludedUnits:    1000,
				OverageRateMicros: 120,
			},
			LevelT1: {
				Level:            LevelT1,
				MaxConnections:   25,
				MaxOpsPerSecond:  100,
				OperationTimeout: 30 * time.Second,
				IdleTimeout:      30 * time.Minute,
				QueueAdmission:   true,
				MaxQueueDepth:    50,
				MaxQueueWait:     30 * time.Second,
				IncludedUnits:    25000,
				OverageRateMicros: 90,
			},
			LevelT2: {
				Level:            LevelT2,
				MaxConnections:   100,
				MaxOpsPerSecond:  1000,
				OperationTimeout: 60 * time.Second,
				IdleTimeout:      2 * time.Hour,
				QueueAdmission:   true,
				MaxQueueDepth:    200,
				MaxQueueWait:     30 * time.Second,
				IncludedUnits:    250000,
				OverageRateMicros: 60,
			},
			LevelT3: {
				Level:            LevelT3,
				MaxConnections:   500,
				MaxOpsPerSecond:  10000,
				OperationTimeout: 120 * time.Second,
				IdleTimeout:      0, // never dormant
				QueueAdmission:   true,
				MaxQueueDepth:    1000,
				MaxQueueWait:     30 * time.Second,
				IncludedUnits:    2500000,
				OverageRateMicros: 40,
			},
		},
	}
}

// Tenant is one registry row. Tenants are soft-archived, never hard-deleted,
// and their tier is mutated only by the transition coordinator.
type Tenant struct {
	ID            string     `json:"id"`
	Level         Level      `json:"level"`
	TierChangedAt time.Time  `json:"tier_changed_at"`
	OverrideLevel *Level     `json:"override_level,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
}

// EffectiveLevel returns the override level when a manual lock is set.
func (t *Tenant) EffectiveLevel() Level {
	if t.OverrideLevel != nil {
		return *t.OverrideLevel
	}
	return t.Level
}

// Archived reports whether the tenant has been soft-archived.
func (t *Tenant) Archived() bool {
	return t.ArchivedAt != nil
}

// Resolved is the answer the cache hands to admission control: the tenant's
// effective level, the limits for it, and the limit table version they came
// from. Consumers treat a Resolved value as immutable and only ever swap
// which version they reference.
type Resolved struct {
	TenantID     string    `json:"tenant_id"`
	Level        Level     `json:"level"`
	Limits       Limits    `json:"limits"`
	TableVersion string    `json:"table_version"`
	ResolvedAt   time.Time `json:"resolved_at"`

	// Degraded is set when the registry was unreachable and this value came
	// from the last known cache entry.
	Degraded bool `json:"degraded,omitempty"`
}

// ErrTenantNotFound is returned when a tenant id has no registry row.
type ErrTenantNotFound struct {
	TenantID string
}

func (e *ErrTenantNotFound) Error() string {
	return "tenant not found: " + e.TenantID
}

// IsTenantNotFound checks if an error is a tenant-not-found error.
func IsTenantNotFound(err error) bool {
	_, ok := err.(*ErrTenantNotFound)
	return ok
}
