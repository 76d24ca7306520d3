package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for persisting tasks.
type Store interface {
	// Create inserts a new task record.
	Create(ctx context.Context, t *Task) error

	// Get loads a task by id. It returns an error wrapping ErrTaskNotFound
	// when no such task exists.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// Update atomically loads the task, applies fn and writes the result.
	// Concurrent updates of the same task are serialized.
	Update(ctx context.Context, id uuid.UUID, fn func(current *Task) error) (*Task, error)

	// Delete permanently removes a task.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByOwner returns the owner's tasks, newest first.
	ListByOwner(ctx context.Context, owner string) ([]*Task, error)

	// ListExpired returns the tasks whose expire_on is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]*Task, error)

	// ListByStatus returns the tasks in any of the given states, oldest
	// first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)
}
