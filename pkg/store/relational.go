package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/platinummonkey/strata/pkg/observability"
)

// Relational adapts a PostgreSQL database to the Backend interface. The
// working set is the set of recently executed read statements; restoring it
// replays them to warm the buffer cache before traffic resumes.
type Relational struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
	limits  *limitsMap
	tracker *loadTracker
	ws      *workingSet
}

// RelationalConfig configures the relational backend.
type RelationalConfig struct {
	DatabaseURL    string
	MaxOpenConns   int
	WorkingSetSize int
}

// NewRelational opens the database and verifies connectivity.
func NewRelational(cfg RelationalConfig, logger *observability.Logger, metrics *observability.Metrics) (*Relational, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping relational store: %w", err)
	}
	return &Relational{
		db:      db,
		logger:  logger,
		metrics: metrics,
		limits:  newLimitsMap(),
		tracker: newLoadTracker(),
		ws:      newWorkingSet(cfg.WorkingSetSize),
	}, nil
}

func (r *Relational) Kind() Kind { return KindRelational }

func (r *Relational) Prepare(ctx context.Context, tenantID string, limits SessionLimits) error {
	if limits.MaxSessionConnections <= 0 {
		return fmt.Errorf("relational: max session connections must be positive")
	}
	load := r.tracker.load(tenantID)
	if load.ActiveConnections > limits.MaxSessionConnections {
		return fmt.Errorf("relational: tenant %s has %d active connections, exceeds proposed limit %d",
			tenantID, load.ActiveConnections, limits.MaxSessionConnections)
	}
	if err := r.db.PingContext(ctx); err != nil {
		return &ErrUnavailable{Store: KindRelational, RetryAfter: 5 * time.Second, Err: err}
	}
	return nil
}

func (r *Relational) ApplySessionLimits(ctx context.Context, tenantID string, limits SessionLimits) error {
	r.limits.set(tenantID, limits)
	return nil
}

func (r *Relational) Execute(ctx context.Context, tenantID string, op Operation) (*Result, error) {
	stmt, _ := op.Params["sql"].(string)
	if stmt == "" {
		return nil, fmt.Errorf("relational: operation missing sql param")
	}
	args, _ := op.Params["args"].([]interface{})

	if limits, ok := r.limits.get(tenantID); ok {
		if load := r.tracker.load(tenantID); load.ActiveConnections >= limits.MaxSessionConnections {
			return nil, fmt.Errorf("relational: tenant %s at session connection limit %d",
				tenantID, limits.MaxSessionConnections)
		}
	}

	r.tracker.begin(tenantID)
	defer r.tracker.end(tenantID)

	start := time.Now()
	var res *Result
	var err error
	switch op.Command {
	case "query":
		res, err = r.query(ctx, stmt, args)
	case "exec":
		res, err = r.exec(ctx, stmt, args)
	default:
		return nil, fmt.Errorf("relational: unknown command %q", op.Command)
	}
	r.metrics.StoreOperationDuration.WithLabelValues(string(KindRelational)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			r.metrics.StoreOperationsTotal.WithLabelValues(string(KindRelational), "timeout").Inc()
			return nil, err
		}
		r.metrics.StoreOperationsTotal.WithLabelValues(string(KindRelational), "error").Inc()
		r.metrics.StoreErrorsTotal.WithLabelValues(string(KindRelational), "unavailable").Inc()
		return nil, &ErrUnavailable{Store: KindRelational, RetryAfter: 2 * time.Second, Err: err}
	}
	r.metrics.StoreOperationsTotal.WithLabelValues(string(KindRelational), "ok").Inc()
	res.Duration = time.Since(start)

	if op.Command == "query" {
		payload, _ := json.Marshal(map[string]interface{}{"sql": stmt, "args": args})
		r.ws.touch(tenantID, stmt, payload)
	}
	return res, nil
}

func (r *Relational) query(ctx context.Context, stmt string, args []interface{}) (*Result, error) {
	rows, err := r.db.QueryContext(ctx, stmt, args...)
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
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
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

func (r *Relational) exec(ctx context.Context, stmt string, args []interface{}) (*Result, error) {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	return &Result{Rows: int(affected)}, nil
}

func (r *Relational) ReportLoad(ctx context.Context, tenantID string) (*Load, error) {
	load := r.tracker.load(tenantID)
	return &load, nil
}

func (r *Relational) SnapshotWorkingSet(ctx context.Context, tenantID string) ([]byte, error) {
	return r.ws.snapshot(tenantID)
}

// RestoreWorkingSet replays the snapshotted read statements to pull the
// tenant's pages back into the buffer cache. Replay failures are logged and
// skipped; a partially warm cache is still a warm cache.
func (r *Relational) RestoreWorkingSet(ctx context.Context, tenantID string, snapshot []byte) error {
	entries, err := r.ws.restore(tenantID, snapshot)
	if err != nil {
		return fmt.Errorf("relational: failed to decode working set for tenant %s: %w", tenantID, err)
	}
	for _, e := range entries {
		var replay struct {
			SQL  string        `json:"sql"`
			Args []interface{} `json:"args"`
		}
		if err := json.Unmarshal(e.Payload, &replay); err != nil || replay.SQL == "" {
			continue
		}
		if _, err := r.query(ctx, replay.SQL, replay.Args); err != nil {
			r.logger.WithTenant(tenantID).WithError(err).Warn("working set replay failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Relational) ReleaseTenant(ctx context.Context, tenantID string) error {
	r.ws.forget(tenantID)
	r.limits.forget(tenantID)
	r.tracker.forget(tenantID)
	return nil
}

func (r *Relational) Close() error {
	return r.db.Close()
}
