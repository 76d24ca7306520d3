//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/gonk/internal/beat"
	"github.com/phrazzld/gonk/internal/platform/postgres"
	"github.com/phrazzld/gonk/internal/store"
	"github.com/phrazzld/gonk/internal/task"
	"github.com/phrazzld/gonk/internal/testdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostgresTaskStore_Integration(t *testing.T) {
	db := testdb.Open(t)
	testdb.Truncate(t, db, "tasks")

	ctx := context.Background()
	s := postgres.NewPostgresTaskStore(db, discardLogger())

	expire := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	tk := &task.Task{
		ID:         uuid.New(),
		RunnerPath: "github.com/phrazzld/gonk/internal/runners.NewAdd",
		Input:      task.Document{"x": 1, "y": 2},
		Owner:      "alice",
		Status:     task.StatusPending,
		ExpireOn:   &expire,
		Retryable:  true,
		RetryDelay: 1500 * time.Millisecond,
		MaxRetries: 2,
		Queue:      task.DefaultQueue,
	}
	require.NoError(t, s.Create(ctx, tk))

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.RunnerPath, got.RunnerPath)
	assert.Equal(t, task.Document{"x": float64(1), "y": float64(2)}, got.Input)
	assert.Equal(t, 1500*time.Millisecond, got.RetryDelay)
	assert.Equal(t, task.StatusPending, got.Status)

	eta := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	_, err = s.Update(ctx, tk.ID, func(current *task.Task) error {
		current.ETA = &eta
		return nil
	})
	require.NoError(t, err)

	pending, err := s.ListByStatus(ctx, task.StatusPending, task.StatusDoing)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].ETA)
	assert.True(t, eta.Equal(*pending[0].ETA))

	updated, err := s.Update(ctx, tk.ID, func(current *task.Task) error {
		current.Status = task.StatusDone
		current.Results = task.Document{"solution": 3}
		current.JobID = "job-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, updated.Status)

	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, task.Document{"solution": float64(3)}, got.Results)

	// a failing update leaves the row untouched
	boom := errors.New("boom")
	_, err = s.Update(ctx, tk.ID, func(current *task.Task) error {
		current.Status = task.StatusError
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)

	owned, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 1)

	expired, err := s.ListExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, tk.ID, expired[0].ID)

	require.NoError(t, s.Delete(ctx, tk.ID))
	_, err = s.Get(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestPostgresScheduleStore_Integration(t *testing.T) {
	db := testdb.Open(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresScheduleStore(tx, discardLogger())

		nightly := &beat.Schedule{
			Name:     "nightly-add",
			TaskType: "add",
			Spec:     "0 3 * * *",
			Args:     task.Document{"x": 1, "y": 2},
			Enabled:  true,
		}
		require.NoError(t, s.Create(ctx, nightly))
		require.NoError(t, s.Create(ctx, &beat.Schedule{Name: "a-print", TaskType: "print", Spec: "@hourly"}))

		schedules, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, schedules, 2)
		assert.Equal(t, "a-print", schedules[0].Name)
		assert.False(t, schedules[0].Enabled)
		assert.Equal(t, task.Document{"x": float64(1), "y": float64(2)}, schedules[1].Args)

		require.NoError(t, s.Delete(ctx, "a-print"))
		assert.ErrorIs(t, s.Delete(ctx, "a-print"), store.ErrScheduleNotFound)
	})
}
