//go:build integration

package tier

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

// setupRegistryDB starts a disposable PostgreSQL container and returns a
// registry with its schema applied.
func setupRegistryDB(t *testing.T) *PostgresRegistry {
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

	registry := NewPostgresRegistry(db)
	require.NoError(t, registry.InitSchema(ctx))
	return registry
}

func TestPostgresRegistry_TenantLifecycle(t *testing.T) {
	registry := setupRegistryDB(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateTenant(ctx, &Tenant{ID: "acme", Level: LevelT1}))

	tenant, err := registry.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT1, tenant.Level)
	assert.Nil(t, tenant.OverrideLevel)
	assert.False(t, tenant.Archived())

	require.NoError(t, registry.SetTenantTier(ctx, "acme", LevelT2))
	tenant, err = registry.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT2, tenant.Level)
	assert.Equal(t, LevelT2, tenant.EffectiveLevel())

	override := LevelT0
	require.NoError(t, registry.SetTierOverride(ctx, "acme", &override))
	tenant, err = registry.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT0, tenant.EffectiveLevel())

	require.NoError(t, registry.SetTierOverride(ctx, "acme", nil))
	tenant, err = registry.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, LevelT2, tenant.EffectiveLevel())

	require.NoError(t, registry.ArchiveTenant(ctx, "acme"))
	tenant, err = registry.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, tenant.Archived())

	err = registry.SetTenantTier(ctx, "acme", LevelT3)
	require.Error(t, err)
	assert.True(t, IsTenantNotFound(err))
}

func TestPostgresRegistry_UnknownTenant(t *testing.T) {
	registry := setupRegistryDB(t)
	_, err := registry.GetTenant(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsTenantNotFound(err))
}

func TestPostgresRegistry_LimitTableVersions(t *testing.T) {
	registry := setupRegistryDB(t)
	ctx := context.Background()

	// No published table yet; the builtin default applies.
	table, err := registry.CurrentLimitTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimitTable().Version, table.Version)

	custom := DefaultLimitTable()
	custom.Version = "custom-v2"
	limits := custom.Levels[LevelT0]
	limits.MaxConnections = 8
	custom.Levels[LevelT0] = limits
	require.NoError(t, registry.PublishLimitTable(ctx, custom))

	table, err = registry.CurrentLimitTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "custom-v2", table.Version)
	got, err := table.LimitsFor(LevelT0)
	require.NoError(t, err)
	assert.Equal(t, 8, got.MaxConnections)
}
