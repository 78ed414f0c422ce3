package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// TenantUsage is one tenant's aggregated units over a period.
type TenantUsage struct {
	TenantID    string    `json:"tenant_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Units       float64   `json:"units"`
}

// PostgresStore persists usage samples, measured actuals and rollups.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitSchema creates the usage tables.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_samples (
		id          BIGSERIAL PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		store       TEXT NOT NULL,
		command     TEXT NOT NULL,
		units       DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		complexity  DOUBLE PRECISION NOT NULL,
		parallelism INT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_samples_window ON usage_samples (recorded_at, tenant_id);

	CREATE TABLE IF NOT EXISTS usage_actuals (
		id           BIGSERIAL PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end   TIMESTAMPTZ NOT NULL,
		units        DOUBLE PRECISION NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_rollups (
		tenant_id    TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end   TIMESTAMPTZ NOT NULL,
		units        DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (tenant_id, period_start)
	);

	CREATE TABLE IF NOT EXISTS calibration_factors (
		id           BIGSERIAL PRIMARY KEY,
		factor       DOUBLE PRECISION NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end   TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage tables: %w", err)
	}
	return nil
}

// WriteRecords inserts a batch of usage records in one statement.
func (s *PostgresStore) WriteRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO usage_samples
		(tenant_id, store, command, units, duration_ms, complexity, parallelism, recorded_at) VALUES `)
	args := make([]interface{}, 0, len(records)*8)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, r.TenantID, r.Store, r.Command, r.Units,
			r.Duration.Milliseconds(), r.Complexity, r.Parallelism, r.At)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert usage samples: %w", err)
	}
	return nil
}

// RecordActual stores a measured usage figure reported by a backing store.
func (s *PostgresStore) RecordActual(ctx context.Context, tenantID string, periodStart, periodEnd time.Time, units float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_actuals (tenant_id, period_start, period_end, units)
		VALUES ($1, $2, $3, $4)`,
		tenantID, periodStart, periodEnd, units)
	if err != nil {
		return fmt.Errorf("failed to record actual usage: %w", err)
	}
	return nil
}

// SumEstimated totals estimated units recorded in the window.
func (s *PostgresStore) SumEstimated(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0) FROM usage_samples
		WHERE recorded_at >= $1 AND recorded_at < $2`,
		from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum estimated usage: %w", err)
	}
	return total, nil
}

// SumActual totals measured units for periods inside the window.
func (s *PostgresStore) SumActual(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0) FROM usage_actuals
		WHERE period_start >= $1 AND period_end <= $2`,
		from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum actual usage: %w", err)
	}
	return total, nil
}

// RollupPeriod aggregates samples into one rollup row per tenant for the
// window. Re-running the same window overwrites, so the job is idempotent.
func (s *PostgresStore) RollupPeriod(ctx context.Context, from, to time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_rollups (tenant_id, period_start, period_end, units)
		SELECT tenant_id, $1, $2, SUM(units)
		FROM usage_samples
		WHERE recorded_at >= $1 AND recorded_at < $2
		GROUP BY tenant_id
		ON CONFLICT (tenant_id, period_start)
		DO UPDATE SET period_end = EXCLUDED.period_end, units = EXCLUDED.units`,
		from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to roll up usage: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// SaveCorrectionFactor records a calibration result. The calibrator runs in
// its own process; serving nodes pick the factor up via
// LatestCorrectionFactor.
func (s *PostgresStore) SaveCorrectionFactor(ctx context.Context, factor float64, windowStart, windowEnd time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_factors (factor, window_start, window_end)
		VALUES ($1, $2, $3)`,
		factor, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to save correction factor: %w", err)
	}
	return nil
}

// LatestCorrectionFactor returns the most recent calibration factor, or 1.0
// when no calibration has run yet.
func (s *PostgresStore) LatestCorrectionFactor(ctx context.Context) (float64, error) {
	var factor float64
	err := s.db.QueryRowContext(ctx, `
		SELECT factor FROM calibration_factors
		ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&factor)
	if err == sql.ErrNoRows {
		return 1.0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read correction factor: %w", err)
	}
	return factor, nil
}

// TenantRollups lists a tenant's rollups in the window, newest first.
func (s *PostgresStore) TenantRollups(ctx context.Context, tenantID string, from, to time.Time) ([]TenantUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, period_start, period_end, units
		FROM usage_rollups
		WHERE tenant_id = $1 AND period_start >= $2 AND period_start < $3
		ORDER BY period_start DESC`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage rollups: %w", err)
	}
	defer rows.Close()

	var out []TenantUsage
	for rows.Next() {
		var u TenantUsage
		if err := rows.Scan(&u.TenantID, &u.PeriodStart, &u.PeriodEnd, &u.Units); err != nil {
			return nil, fmt.Errorf("failed to scan usage rollup: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
