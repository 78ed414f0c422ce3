package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/strata/pkg/observability"
)

// Document adapts a SQLite-backed document table to the Backend interface.
// Documents are JSON bodies keyed by id within a tenant. The working set is
// the tenant's recently read document ids; restoring it re-reads them to pull
// pages back into the page cache.
type Document struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
	limits  *limitsMap
	tracker *loadTracker
	ws      *workingSet
}

// DocumentConfig configures the document backend.
type DocumentConfig struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path           string
	WorkingSetSize int
}

// NewDocument opens the database and creates the documents table.
func NewDocument(cfg DocumentConfig, logger *observability.Logger, metrics *observability.Metrics) (*Document, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		tenant_id  TEXT NOT NULL,
		doc_id     TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, doc_id)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return &Document{
		db:      db,
		logger:  logger,
		metrics: metrics,
		limits:  newLimitsMap(),
		tracker: newLoadTracker(),
		ws:      newWorkingSet(cfg.WorkingSetSize),
	}, nil
}

func (d *Document) Kind() Kind { return KindDocument }

func (d *Document) Prepare(ctx context.Context, tenantID string, limits SessionLimits) error {
	if limits.MaxSessionConnections <= 0 {
		return fmt.Errorf("document: max session connections must be positive")
	}
	load := d.tracker.load(tenantID)
	if load.ActiveConnections > limits.MaxSessionConnections {
		return fmt.Errorf("document: tenant %s has %d active connections, exceeds proposed limit %d",
			tenantID, load.ActiveConnections, limits.MaxSessionConnections)
	}
	if err := d.db.PingContext(ctx); err != nil {
		return &ErrUnavailable{Store: KindDocument, RetryAfter: 5 * time.Second, Err: err}
	}
	return nil
}

func (d *Document) ApplySessionLimits(ctx context.Context, tenantID string, limits SessionLimits) error {
	d.limits.set(tenantID, limits)
	return nil
}

func (d *Document) Execute(ctx context.Context, tenantID string, op Operation) (*Result, error) {
	docID, _ := op.Params["id"].(string)
	if docID == "" {
		return nil, fmt.Errorf("document: operation missing id param")
	}

	d.tracker.begin(tenantID)
	defer d.tracker.end(tenantID)

	start := time.Now()
	var res *Result
	var err error
	switch op.Command {
	case "put":
		body, _ := op.Params["body"].(string)
		if !json.Valid([]byte(body)) {
			return nil, fmt.Errorf("document: body is not valid JSON")
		}
		_, err = d.db.ExecContext(ctx, `
			INSERT INTO documents (tenant_id, doc_id, body, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (tenant_id, doc_id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`,
			tenantID, docID, body)
		if err == nil {
			res = &Result{Rows: 1}
			d.ws.touch(tenantID, docID, nil)
		}
	case "get":
		var body string
		err = d.db.QueryRowContext(ctx,
			`SELECT body FROM documents WHERE tenant_id = ? AND doc_id = ?`,
			tenantID, docID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			res, err = &Result{Rows: 0}, nil
		} else if err == nil {
			res = &Result{Data: json.RawMessage(body), Rows: 1}
			d.ws.touch(tenantID, docID, nil)
		}
	case "delete":
		var sqlRes sql.Result
		sqlRes, err = d.db.ExecContext(ctx,
			`DELETE FROM documents WHERE tenant_id = ? AND doc_id = ?`, tenantID, docID)
		if err == nil {
			affected, _ := sqlRes.RowsAffected()
			res = &Result{Rows: int(affected)}
		}
	default:
		return nil, fmt.Errorf("document: unknown command %q", op.Command)
	}

	d.metrics.StoreOperationDuration.WithLabelValues(string(KindDocument)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			d.metrics.StoreOperationsTotal.WithLabelValues(string(KindDocument), "timeout").Inc()
			return nil, err
		}
		d.metrics.StoreOperationsTotal.WithLabelValues(string(KindDocument), "error").Inc()
		d.metrics.StoreErrorsTotal.WithLabelValues(string(KindDocument), "unavailable").Inc()
		return nil, &ErrUnavailable{Store: KindDocument, RetryAfter: 2 * time.Second, Err: err}
	}
	d.metrics.StoreOperationsTotal.WithLabelValues(string(KindDocument), "ok").Inc()
	res.Duration = time.Since(start)
	return res, nil
}

func (d *Document) ReportLoad(ctx context.Context, tenantID string) (*Load, error) {
	load := d.tracker.load(tenantID)
	return &load, nil
}

func (d *Document) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	return d.ws.snapshot(tenantID)
}

func (d *Document) RestoreWorkingSet(ctx context.Context, tenantID string, snapshot []byte) error {
	entries, err := d.ws.restore(tenantID, snapshot)
	if err != nil {
		return fmt.Errorf("document: failed to decode working set for tenant %s: %w", tenantID, err)
	}
	for _, e := range entries {
		var body string
		err := d.db.QueryRowContext(ctx,
			`SELECT body FROM documents WHERE tenant_id = ? AND doc_id = ?`,
			tenantID, e.Key).Scan(&body)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			d.logger.WithTenant(tenantID).WithError(err).Warn("working set replay failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Document) ReleaseTenant(ctx context.Context, tenantID string) error {
	d.ws.forget(tenantID)
	d.limits.forget(tenantID)
	d.tracker.forget(tenantID)
	return nil
}

func (d *Document) Close() error {
	return d.db.Close()
}
