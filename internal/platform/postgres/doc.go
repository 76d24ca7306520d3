// Package postgres provides PostgreSQL implementations of the task and
// schedule stores, the database connection setup and the embedded schema
// migrations.
package postgres
