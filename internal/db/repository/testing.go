package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/saltfish/stratlab/go-backend/internal/db"
)

// setupTestDB creates a test database connection pool for integration tests.
// If neither TEST_DATABASE_URL nor DATABASE_URL is set, the test is skipped.
func setupTestDB(t *testing.T) *db.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := db.NewPoolFromURL(ctx, dbURL, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create test database pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return pool
}

// truncateTables truncates all test tables to ensure a clean state.
func truncateTables(t *testing.T, pool *db.Pool, tables ...string) {
	t.Helper()

	ctx := context.Background()
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := pool.Exec(ctx, query); err != nil {
			t.Logf("warning: failed to truncate table %s: %v", table, err)
		}
	}
}
