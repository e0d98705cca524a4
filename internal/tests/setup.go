// Package tests holds integration tests that need a real PostgreSQL. They skip when
// DATABASE_URL is not set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driverdesk/server/internal/db"
	"github.com/driverdesk/server/internal/logging"
)

// OpenTestDB connects to DATABASE_URL, migrates and truncates every table. It skips the test
// when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL, db.Options{Logger: logging.Discard()})
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, TruncateTables(ctx, database), "truncate tables")
	return database
}

// TruncateTables empties all application tables for a clean test state.
func TruncateTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE audit_events, otp_challenges, driver_documents, drivers, admins CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
