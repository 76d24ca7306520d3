package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/gonk/internal/platform/logger"
	"github.com/phrazzld/gonk/internal/store"
	"github.com/phrazzld/gonk/internal/task"
)

const taskColumns = `id, job_id, runner_path, input, results, owner,
	started_on, finished_on, revert_started_on, revert_finished_on, expire_on,
	created, modified, log, status, retryable, retry_delay_ms, retries, max_retries, queue, eta`

// PostgresTaskStore implements task.Store using PostgreSQL.
type PostgresTaskStore struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// NewPostgresTaskStore creates a new PostgresTaskStore. Update runs in its
// own transaction, so the store needs the pool rather than a store.DBTX.
func NewPostgresTaskStore(db *sql.DB, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresTaskStore implements task.Store interface
var _ task.Store = (*PostgresTaskStore)(nil)

// Create inserts a new task record.
func (s *PostgresTaskStore) Create(ctx context.Context, t *task.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := s.clock()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now

	input, results, err := encodeDocuments(t)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.JobID, t.RunnerPath, input, results, t.Owner,
		t.StartedOn, t.FinishedOn, t.RevertStartedOn, t.RevertFinishedOn, t.ExpireOn,
		t.Created, t.Modified, t.Log, t.Status, t.Retryable, t.RetryDelay.Milliseconds(),
		t.Retries, t.MaxRetries, t.Queue, t.ETA,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", t.ID.String()))
		return fmt.Errorf("failed to create task: %w", MapError(err))
	}

	log.Debug("task created", slog.String("task_id", t.ID.String()), slog.String("runner", t.RunnerPath))
	return nil
}

// Get loads a task by id.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return s.get(ctx, s.db, id, "")
}

func (s *PostgresTaskStore) get(ctx context.Context, db store.DBTX, id uuid.UUID, lock string) (*task.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1` + lock
	t, err := scanTask(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, fmt.Errorf("%w: %w: %s", task.ErrTaskNotFound, store.ErrNotFound, id)
		}
		log.Error("failed to load task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, fmt.Errorf("failed to load task: %w", MapError(err))
	}
	return t, nil
}

// Update locks the row, applies fn and writes every mutable column back in
// the same transaction.
func (s *PostgresTaskStore) Update(
	ctx context.Context,
	id uuid.UUID,
	fn func(current *task.Task) error,
) (*task.Task, error) {
	var updated *task.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		current.Modified = s.clock()

		results, err := json.Marshal(documentOrEmpty(current.Results))
		if err != nil {
			return fmt.Errorf("failed to encode task results: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET job_id = $1, results = $2, log = $3, status = $4,
				started_on = $5, finished_on = $6, revert_started_on = $7, revert_finished_on = $8,
				retries = $9, eta = $10, modified = $11
			WHERE id = $12`,
			current.JobID, results, current.Log, current.Status,
			current.StartedOn, current.FinishedOn, current.RevertStartedOn, current.RevertFinishedOn,
			current.Retries, current.ETA, current.Modified, id,
		)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", MapError(err))
		}
		if err := CheckRowsAffected(result, task.ErrTaskNotFound); err != nil {
			return err
		}

		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete permanently removes a task.
func (s *PostgresTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return fmt.Errorf("%w: %v", store.ErrDeleteFailed, MapError(err))
	}
	if err := CheckRowsAffected(result, fmt.Errorf("%w: %w: %s", task.ErrTaskNotFound, store.ErrNotFound, id)); err != nil {
		return err
	}

	log.Debug("task deleted", slog.String("task_id", id.String()))
	return nil
}

// ListByOwner returns the owner's tasks, newest first.
func (s *PostgresTaskStore) ListByOwner(ctx context.Context, owner string) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner = $1 ORDER BY created DESC`, owner)
}

// ListExpired returns the tasks whose expire_on is at or before now.
func (s *PostgresTaskStore) ListExpired(ctx context.Context, now time.Time) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE expire_on IS NOT NULL AND expire_on <= $1 ORDER BY expire_on ASC`, now)
}

// ListByStatus returns the tasks in any of the given states, oldest first.
func (s *PostgresTaskStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(status)
	}
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created ASC`, args...)
}

func (s *PostgresTaskStore) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", slog.String("error", err.Error()))
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                 task.Task
		input, results    []byte
		started, finished sql.NullTime
		revStart, revEnd  sql.NullTime
		expireOn, eta     sql.NullTime
		status            string
		retryDelayMillis  int64
	)

	err := row.Scan(
		&t.ID, &t.JobID, &t.RunnerPath, &input, &results, &t.Owner,
		&started, &finished, &revStart, &revEnd, &expireOn,
		&t.Created, &t.Modified, &t.Log, &status, &t.Retryable, &retryDelayMillis,
		&t.Retries, &t.MaxRetries, &t.Queue, &eta,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.RetryDelay = time.Duration(retryDelayMillis) * time.Millisecond
	t.StartedOn = nullTime(started)
	t.FinishedOn = nullTime(finished)
	t.RevertStartedOn = nullTime(revStart)
	t.RevertFinishedOn = nullTime(revEnd)
	t.ExpireOn = nullTime(expireOn)
	t.ETA = nullTime(eta)

	if err := decodeDocument(input, &t.Input); err != nil {
		return nil, fmt.Errorf("failed to decode task input: %w", err)
	}
	if err := decodeDocument(results, &t.Results); err != nil {
		return nil, fmt.Errorf("failed to decode task results: %w", err)
	}
	return &t, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func documentOrEmpty(d task.Document) task.Document {
	if d == nil {
		return task.Document{}
	}
	return d
}

func encodeDocuments(t *task.Task) ([]byte, []byte, error) {
	input, err := json.Marshal(documentOrEmpty(t.Input))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: task input is not valid JSON: %v", store.ErrInvalidEntity, err)
	}
	results, err := json.Marshal(documentOrEmpty(t.Results))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: task results are not valid JSON: %v", store.ErrInvalidEntity, err)
	}
	return input, results, nil
}

func decodeDocument(raw []byte, dst *task.Document) error {
	if len(raw) == 0 {
		*dst = task.Document{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}
