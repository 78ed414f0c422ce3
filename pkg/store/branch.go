package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/strata/pkg/observability"
)

// Branch gives every tenant its own SQLite database file and opens the
// handle lazily on first use. Releasing a tenant closes the handle, which is
// what scale-to-zero means for this store. The working set snapshot is the
// database file itself, so a restore can recreate the branch wholesale on a
// fresh node.
type Branch struct {
	dir     string
	logger  *observability.Logger
	metrics *observability.Metrics
	limits  *limitsMap
	tracker *loadTracker

	mu      sync.Mutex
	handles map[string]*sql.DB
}

// BranchConfig configures the branch backend.
type BranchConfig struct {
	// Dir holds one <tenant>.db file per tenant.
	Dir string
}

// NewBranch ensures the branch directory exists.
func NewBranch(cfg BranchConfig, logger *observability.Logger, metrics *observability.Metrics) (*Branch, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create branch directory: %w", err)
	}
	return &Branch{
		dir:     cfg.Dir,
		logger:  logger,
		metrics: metrics,
		limits:  newLimitsMap(),
		tracker: newLoadTracker(),
		handles: make(map[string]*sql.DB),
	}, nil
}

func (b *Branch) Kind() Kind { return KindBranch }

func (b *Branch) path(tenantID string) string {
	return filepath.Join(b.dir, tenantID+".db")
}

func (b *Branch) handle(tenantID string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.handles[tenantID]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite3", b.path(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to open branch for tenant %s: %w", tenantID, err)
	}
	db.SetMaxOpenConns(1)
	b.handles[tenantID] = db
	return db, nil
}

func (b *Branch) Prepare(ctx context.Context, tenantID string, limits SessionLimits) error {
	if limits.MaxSessionConnections <= 0 {
		return fmt.Errorf("branch: max session connections must be positive")
	}
	load := b.tracker.load(tenantID)
	if load.ActiveConnections > limits.MaxSessionConnections {
		return fmt.Errorf("branch: tenant %s has %d active connections, exceeds proposed limit %d",
			tenantID, load.ActiveConnections, limits.MaxSessionConnections)
	}
	return nil
}

func (b *Branch) ApplySessionLimits(ctx context.Context, tenantID string, limits SessionLimits) error {
	b.limits.set(tenantID, limits)
	return nil
}

func (b *Branch) Execute(ctx context.Context, tenantID string, op Operation) (*Result, error) {
	stmt, _ := op.Params["sql"].(string)
	if stmt == "" {
		return nil, fmt.Errorf("branch: operation missing sql param")
	}
	args, _ := op.Params["args"].([]interface{})

	db, err := b.handle(tenantID)
	if err != nil {
		return nil, &ErrUnavailable{Store: KindBranch, RetryAfter: 5 * time.Second, Err: err}
	}

	b.tracker.begin(tenantID)
	defer b.tracker.end(tenantID)

	start := time.Now()
	var res *Result
	switch op.Command {
	case "query":
		res, err = b.query(ctx, db, stmt, args)
	case "exec":
		var sqlRes sql.Result
		sqlRes, err = db.ExecContext(ctx, stmt, args...)
		if err == nil {
			affected, _ := sqlRes.RowsAffected()
			res = &Result{Rows: int(affected)}
		}
	default:
		return nil, fmt.Errorf("branch: unknown command %q", op.Command)
	}

	b.metrics.StoreOperationDuration.WithLabelValues(string(KindBranch)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.metrics.StoreOperationsTotal.WithLabelValues(string(KindBranch), "timeout").Inc()
			return nil, err
		}
		b.metrics.StoreOperationsTotal.WithLabelValues(string(KindBranch), "error").Inc()
		b.metrics.StoreErrorsTotal.WithLabelValues(string(KindBranch), "unavailable").Inc()
		return nil, &ErrUnavailable{Store: KindBranch, RetryAfter: 2 * time.Second, Err: err}
	}
	b.metrics.StoreOperationsTotal.WithLabelValues(string(KindBranch), "ok").Inc()
	res.Duration = time.Since(start)
	return res, nil
}

func (b *Branch) query(ctx context.Context, db *sql.DB, stmt string, args []interface{}) (*Result, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if bs, ok := values[i].([]byte); ok {
				row[c] = string(bs)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Data: out, Rows: len(out)}, nil
}

func (b *Branch) ReportLoad(ctx context.Context, tenantID string) (*Load, error) {
	load := b.tracker.load(tenantID)
	return &load, nil
}

// SnapshotWorkingSet checkpoints and reads the tenant's database file. The
// single-connection handle means no writer is mid-transaction while we read.
func (b *Branch) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	b.mu.Lock()
	db, open := b.handles[tenantID]
	b.mu.Unlock()
	if open {
		if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			b.logger.WithTenant(tenantID).WithError(err).Warn("branch checkpoint failed before snapshot")
		}
	}
	data, err := os.ReadFile(b.path(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read branch file for tenant %s: %w", tenantID, err)
	}
	return data, nil
}

// RestoreWorkingSet writes the snapshotted database file back, but never
// clobbers an existing branch with newer data.
func (b *Branch) RestoreWorkingSet(ctx context.Context, tenantID string, snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil
	}
	path := b.path(tenantID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, snapshot, 0o644); err != nil {
		return fmt.Errorf("failed to restore branch file for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (b *Branch) ReleaseTenant(ctx context.Context, tenantID string) error {
	b.mu.Lock()
	db, open := b.handles[tenantID]
	delete(b.handles, tenantID)
	b.mu.Unlock()
	b.limits.forget(tenantID)
	b.tracker.forget(tenantID)
	if open {
		return db.Close()
	}
	return nil
}

func (b *Branch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, db := range b.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.handles, id)
	}
	return firstErr
}
