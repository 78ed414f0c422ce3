//go:build integration

package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupUsageDB(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("strata_test"),
		postgres.WithUsername("strata"),
		postgres.WithPassword("strata_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	store := NewPostgresStore(db)
	require.NoError(t, store.InitSchema(ctx))
	return store
}

func TestPostgresStore_EndToEndWindow(t *testing.T) {
	store := setupUsageDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Hour)
	from, to := base, base.Add(time.Hour)

	require.NoError(t, store.WriteRecords(ctx, []Record{
		{TenantID: "acme", Store: "relational", Command: "query", Units: 50, Duration: 40 * time.Millisecond, Complexity: 2, Parallelism: 1, At: base.Add(5 * time.Minute)},
		{TenantID: "acme", Store: "keyvalue", Command: "get", Units: 30, Duration: 2 * time.Millisecond, Complexity: 1, Parallelism: 1, At: base.Add(10 * time.Minute)},
		{TenantID: "globex", Store: "document", Command: "put", Units: 20, Duration: 8 * time.Millisecond, Complexity: 1, Parallelism: 1, At: base.Add(20 * time.Minute)},
	}))
	require.NoError(t, store.RecordActual(ctx, "acme", from, to, 100))

	estimated, err := store.SumEstimated(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 100.0, estimated)

	actual, err := store.SumActual(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 100.0, actual)

	n, err := store.RollupPeriod(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-running the same window must not duplicate rollups.
	n, err = store.RollupPeriod(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rollups, err := store.TenantRollups(ctx, "acme", from.Add(-time.Hour), to.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, 80.0, rollups[0].Units)
}

func TestPostgresStore_CorrectionFactorPersists(t *testing.T) {
	store := setupUsageDB(t)
	ctx := context.Background()

	factor, err := store.LatestCorrectionFactor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, factor)

	now := time.Now().UTC()
	require.NoError(t, store.SaveCorrectionFactor(ctx, 1.25, now.Add(-time.Hour), now))
	require.NoError(t, store.SaveCorrectionFactor(ctx, 0.9, now, now.Add(time.Hour)))

	factor, err = store.LatestCorrectionFactor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.9, factor)
}
