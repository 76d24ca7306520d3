// Package queue provides the consumer side of the work queue: the Source
// interface brokers implement for workers, an in-process broker, and the
// worker pool that executes delivered jobs.
package queue

import (
	"context"
	"errors"

	"github.com/phrazzld/gonk/internal/task"
)

// Common errors returned by brokers
var (
	ErrQueueClosed = errors.New("job queue is closed")
	ErrQueueFull   = errors.New("job queue is full")
)

// Source delivers due jobs to workers.
type Source interface {
	// Dequeue blocks until a job on one of the named queues is due, or ctx
	// is done.
	Dequeue(ctx context.Context, queues []string) (task.Job, error)

	// Terminations streams the ids of jobs whose execution should be
	// interrupted. The channel is closed when ctx is done.
	Terminations(ctx context.Context) <-chan string
}

// Handler executes one job.
type Handler func(ctx context.Context, job task.Job) error
