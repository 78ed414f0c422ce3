package tier

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Registry is the durable source of truth for tenant -> tier assignments.
type Registry interface {
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	SetTenantTier(ctx context.Context, tenantID string, level Level) error
	SetTierOverride(ctx context.Context, tenantID string, level *Level) error
	ArchiveTenant(ctx context.Context, tenantID string) error

	// CurrentLimitTable returns the newest published limit table.
	CurrentLimitTable(ctx context.Context) (*LimitTable, error)
	// PublishLimitTable stores a new limit table version. Existing versions
	// are never modified.
	PublishLimitTable(ctx context.Context, table *LimitTable) error
}

// PostgresRegistry implements Registry on PostgreSQL.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a registry backed by the given database.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// InitSchema creates the registry tables if they do not exist.
func (r *PostgresRegistry) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			tier_level INT NOT NULL DEFAULT 0,
			tier_changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			override_level INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			archived_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS limit_tables (
			version TEXT PRIMARY KEY,
			levels_json JSONB NOT NULL,
			published_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return nil
}

// CreateTenant inserts a new tenant row at onboarding.
func (r *PostgresRegistry) CreateTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	query := `
		INSERT INTO tenants (id, tier_level, tier_changed_at, created_at)
		VALUES ($1, $2, NOW(), NOW())
	`
	if _, err := r.db.ExecContext(ctx, query, tenant.ID, int(tenant.Level)); err != nil {
		return fmt.Errorf("failed to create tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// GetTenant fetches a tenant row. Archived tenants are still returned so
// callers can distinguish "archived" from "never existed".
func (r *PostgresRegistry) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT id, tier_level, tier_changed_at, override_level, created_at, archived_at
		FROM tenants
		WHERE id = $1
	`
	var (
		t        Tenant
		level    int
		override sql.NullInt64
		archived sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&t.ID, &level, &t.TierChangedAt, &override, &t.CreatedAt, &archived)
	if err == sql.ErrNoRows {
		return nil, &ErrTenantNotFound{TenantID: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", tenantID, err)
	}
	t.Level = Level(level)
	if override.Valid {
		l := Level(override.Int64)
		t.OverrideLevel = &l
	}
	if archived.Valid {
		at := archived.Time
		t.ArchivedAt = &at
	}
	return &t, nil
}

// SetTenantTier updates the tier assignment. Called only by the transition
// coordinator's commit phase.
func (r *PostgresRegistry) SetTenantTier(ctx context.Context, tenantID string, level Level) error {
	if !level.Valid() {
		return fmt.Errorf("invalid tier level %d", int(level))
	}
	query := `
		UPDATE tenants
		SET tier_level = $1, tier_changed_at = NOW()
		WHERE id = $2 AND archived_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, int(level), tenantID)
	if err != nil {
		return fmt.Errorf("failed to set tier for tenant %s: %w", tenantID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

// SetTierOverride sets or clears (nil) the manual tier lock.
func (r *PostgresRegistry) SetTierOverride(ctx context.Context, tenantID string, level *Level) error {
	var value interface{}
	if level != nil {
		if !level.Valid() {
			return fmt.Errorf("invalid override level %d", int(*level))
		}
		value = int(*level)
	}
	query := `UPDATE tenants SET override_level = $1 WHERE id = $2 AND archived_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, value, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set tier override for tenant %s: %w", tenantID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

// ArchiveTenant soft-archives a tenant. The row stays; leases, samples and
// snapshots referencing the id stay resolvable.
func (r *PostgresRegistry) ArchiveTenant(ctx context.Context, tenantID string) error {
	query := `UPDATE tenants SET archived_at = NOW() WHERE id = $1 AND archived_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("failed to archive tenant %s: %w", tenantID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &ErrTenantNotFound{TenantID: tenantID}
	}
	return nil
}

// CurrentLimitTable returns the most recently published limit table.
func (r *PostgresRegistry) CurrentLimitTable(ctx context.Context) (*LimitTable, error) {
	query := `
		SELECT version, levels_json
		FROM limit_tables
		ORDER BY published_at DESC
		LIMIT 1
	`
	var (
		version string
		raw     []byte
	)
	err := r.db.QueryRowContext(ctx, query).Scan(&version, &raw)
	if err == sql.ErrNoRows {
		return DefaultLimitTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load limit table: %w", err)
	}
	table, err := decodeLimitTable(version, raw)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// PublishLimitTable inserts a new limit table version.
func (r *PostgresRegistry) PublishLimitTable(ctx context.Context, table *LimitTable) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid limit table: %w", err)
	}
	raw, err := encodeLimitTable(table)
	if err != nil {
		return err
	}
	query := `INSERT INTO limit_tables (version, levels_json, published_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, table.Version, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to publish limit table %s: %w", table.Version, err)
	}
	return nil
}

// Ping checks registry connectivity.
func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
