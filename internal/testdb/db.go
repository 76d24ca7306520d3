//go:build integration

package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/gonk/internal/platform/postgres"
)

var (
	migrateOnce sync.Once
	migrateErr  error
)

// Open connects to the test database, applies the migrations once per test
// binary and closes the connection when the test ends. It skips the test when
// no database is configured outside CI.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := DatabaseURL()
	if url == "" {
		if isCIEnvironment() {
			t.Fatalf("no test database configured: set one of %v", databaseURLVars)
		}
		t.Skipf("no test database configured (%v) - skipping integration test", databaseURLVars)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := postgres.Open(ctx, url, logger)
	if err != nil {
		t.Fatalf("failed to connect to %s: %v", postgres.MaskDatabaseURL(url), err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database: %v", err)
		}
	})

	migrateOnce.Do(func() {
		migrateErr = postgres.Migrate(ctx, db, "up", logger)
	})
	if migrateErr != nil {
		t.Fatalf("failed to migrate test database: %v", migrateErr)
	}
	return db
}

// Truncate empties the given tables now and again when the test ends. Use it
// for stores that manage their own transactions.
func Truncate(t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()

	truncate := func() error {
		for _, table := range tables {
			if _, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", table, err)
			}
		}
		return nil
	}

	if err := truncate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := truncate(); err != nil {
			t.Logf("warning: %v", err)
		}
	})
}
