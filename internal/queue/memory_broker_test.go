package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/gonk/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func TestMemoryBroker_Enqueue(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(2, setupTestLogger())
	ctx := context.Background()

	id, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun, TaskID: uuid.New()}, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	require.NoError(t, err)

	_, err = broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, broker.Len())

	broker.Close()
	_, err = broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryBroker_DequeueOrder(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(0, setupTestLogger())
	ctx := context.Background()
	now := time.Now()

	late, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, now.Add(-time.Second))
	require.NoError(t, err)
	early, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun, Queue: "other"}, now.Add(-time.Minute))
	require.NoError(t, err)

	job, err := broker.Dequeue(ctx, []string{task.DefaultQueue, "other"})
	require.NoError(t, err)
	assert.Equal(t, early, job.ID)

	job, err = broker.Dequeue(ctx, []string{task.DefaultQueue, "other"})
	require.NoError(t, err)
	assert.Equal(t, late, job.ID)
}

func TestMemoryBroker_Eta(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(0, setupTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	eta := time.Now().Add(100 * time.Millisecond)
	id, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRetry}, eta)
	require.NoError(t, err)

	job, err := broker.Dequeue(ctx, []string{task.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.False(t, time.Now().Before(eta))
}

func TestMemoryBroker_DequeueWaitsForEnqueue(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(0, setupTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan task.Job, 1)
	go func() {
		job, err := broker.Dequeue(ctx, []string{task.DefaultQueue})
		if err == nil {
			result <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	id, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	require.NoError(t, err)

	select {
	case job := <-result:
		assert.Equal(t, id, job.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}

func TestMemoryBroker_Revoke(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(0, setupTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	revoked, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	require.NoError(t, err)
	kept, err := broker.Enqueue(ctx, task.Job{Kind: task.KindRun}, time.Time{})
	require.NoError(t, err)

	terminations := broker.Terminations(ctx)
	require.NoError(t, broker.Revoke(ctx, revoked, true))

	job, err := broker.Dequeue(ctx, []string{task.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, kept, job.ID)

	select {
	case id := <-terminations:
		assert.Equal(t, revoked, id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination signal")
	}
}

func TestMemoryBroker_DequeueCanceled(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker(0, setupTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := broker.Dequeue(ctx, []string{task.DefaultQueue})
	assert.ErrorIs(t, err, context.Canceled)
}
