// Package task implements the task lifecycle: runner registration, task
// creation and validation, dispatch to an external work queue, the execution
// wrapper that drives status transitions, retry scheduling, cancellation,
// reversal, and the expiration sweep.
//
// The package owns no infrastructure. Persistence is reached through Store,
// the work queue through Broker, and notifications through NotifyStrategy
// decorators attached to registry entries.
package task
