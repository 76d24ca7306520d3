// Package store defines the shared persistence plumbing used by the database
// backed stores: the DBTX abstraction over connections and transactions,
// transaction helpers, and the common store errors.
package store
