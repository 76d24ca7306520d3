package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies what a queued job does when it is delivered.
type JobKind string

// Job kinds
const (
	KindRun         JobKind = "task.run"
	KindRetry       JobKind = "task.retry"
	KindRevert      JobKind = "task.revert"
	KindRunSchedule JobKind = "beat.run_schedule"
	KindCleanup     JobKind = "beat.cleanup"
)

// Job is the message handed to the work queue. Task jobs only carry the task
// id; the task itself is always reloaded from the store at execution time.
type Job struct {
	ID       string    `json:"id"`
	Kind     JobKind   `json:"kind"`
	Queue    string    `json:"queue"`
	TaskID   uuid.UUID `json:"task_id,omitempty"`
	TaskType string    `json:"task_type,omitempty"`
	Args     Document  `json:"args,omitempty"`
	ETA      time.Time `json:"eta"`
}

// Broker is the producer side of the external work queue.
type Broker interface {
	// Enqueue schedules job for delivery at eta (immediately when eta is
	// zero or in the past) and returns the id of the queued job.
	Enqueue(ctx context.Context, job Job, eta time.Time) (string, error)

	// Revoke discards a queued job. With terminate set, a job that is
	// already executing is asked to stop.
	Revoke(ctx context.Context, jobID string, terminate bool) error
}
