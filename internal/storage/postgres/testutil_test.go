package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a PostgreSQL container with the schema loaded as init
// scripts. Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("stopguard"),
		postgres.WithUsername("stopguard"),
		postgres.WithPassword("stopguard"),
		postgres.WithInitScripts(migrationFiles(t)...),
		testcontainers.WithWaitStrategy(
			// The server restarts once after running init scripts.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// migrationFiles returns the schema files in apply order.
func migrationFiles(t *testing.T) []string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err)
	// internal/storage/postgres -> internal/storage/migrations/postgres
	pattern := filepath.Join(dir, "..", "migrations", "postgres", "*.sql")

	files, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations match %s", pattern)
	sort.Strings(files)
	return files
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}

// truncateAll empties every table between subtests sharing one container.
func truncateAll(t *testing.T, pool *Pool) {
	t.Helper()
	// stop_events rejects DELETE; TRUNCATE bypasses row triggers.
	_, err := pool.Exec(context.Background(), `
		TRUNCATE stop_events, execution_claims, execution_projections,
			circuit_breaker_state, positions, export_progress RESTART IDENTITY
	`)
	require.NoError(t, err)
}
