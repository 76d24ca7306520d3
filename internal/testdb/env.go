//go:build integration

package testdb

import "os"

// databaseURLVars lists the variables checked for a test database, in order.
var databaseURLVars = []string{"GONK_TEST_DATABASE_URL", "DATABASE_URL"}

// DatabaseURL returns the URL of the test database, or "" when none is
// configured.
func DatabaseURL() string {
	for _, name := range databaseURLVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ShouldSkipDatabaseTest reports whether no test database is configured.
func ShouldSkipDatabaseTest() bool {
	return DatabaseURL() == ""
}

// isCIEnvironment reports whether the tests run under a CI system.
func isCIEnvironment() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
