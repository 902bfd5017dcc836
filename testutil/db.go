package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseURLEnv points the integration tests at an existing database instead
// of a throwaway container.
const DatabaseURLEnv = "SCHEDULER_TEST_DATABASE_URL"

// SetupTestDB returns a pool on a Postgres database. Statements in reset run
// first (typically DROP SCHEMA ... CASCADE), then the schema statements.
//
// By default a postgres container is started with testcontainers. The test is
// skipped under -short, or when neither Docker nor DatabaseURLEnv is available.
func SetupTestDB(t *testing.T, reset []string, schemas ...string) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dbURL := os.Getenv(DatabaseURLEnv)
	if dbURL == "" {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("scheduler_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			t.Skipf("Skipping integration test: could not start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("Warning: failed to terminate container: %v", err)
			}
		})

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "Failed to get connection string")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: could not connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Skipping integration test: could not ping database: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, stmt := range reset {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err, "Failed to reset database")
	}
	for _, schema := range schemas {
		_, err := pool.Exec(ctx, schema)
		require.NoError(t, err, "Failed to apply schema")
	}
	return pool
}

// DropSchema returns the statement that removes a Postgres schema and everything in it.
func DropSchema(schema string) string {
	return "DROP SCHEMA IF EXISTS " + schema + " CASCADE"
}
