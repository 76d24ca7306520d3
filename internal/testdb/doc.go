//go:build integration

// Package testdb provides helpers for tests that run against a real
// PostgreSQL database.
//
// Tests using it are compiled only with the integration build tag and skip
// themselves when no database URL is configured:
//
//	func TestScheduleStore(t *testing.T) {
//	    db := testdb.Open(t)
//
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        schedules := postgres.NewPostgresScheduleStore(tx, nil)
//	        // changes are rolled back when the function returns
//	    })
//	}
//
// # Environment Variables
//
//   - GONK_TEST_DATABASE_URL: database used by the tests
//   - DATABASE_URL: fallback when GONK_TEST_DATABASE_URL is not set
//
// In CI (CI or GITHUB_ACTIONS set) a missing URL fails the test instead of
// skipping it.
package testdb
