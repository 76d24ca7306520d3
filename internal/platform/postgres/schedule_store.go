package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/gonk/internal/beat"
	"github.com/phrazzld/gonk/internal/platform/logger"
	"github.com/phrazzld/gonk/internal/store"
	"github.com/phrazzld/gonk/internal/task"
)

// PostgresScheduleStore implements beat.ScheduleStore using PostgreSQL.
type PostgresScheduleStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresScheduleStore creates a new PostgresScheduleStore.
func NewPostgresScheduleStore(db store.DBTX, logger *slog.Logger) *PostgresScheduleStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresScheduleStore{
		db:     db,
		logger: logger.With(slog.String("component", "schedule_store")),
	}
}

// Ensure PostgresScheduleStore implements beat.ScheduleStore interface
var _ beat.ScheduleStore = (*PostgresScheduleStore)(nil)

// Create inserts a schedule.
func (s *PostgresScheduleStore) Create(ctx context.Context, sched *beat.Schedule) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	args, err := json.Marshal(documentOrEmpty(sched.Args))
	if err != nil {
		return fmt.Errorf("%w: schedule args are not valid JSON: %v", store.ErrInvalidEntity, err)
	}

	now := time.Now().UTC()
	if sched.Created.IsZero() {
		sched.Created = now
	}
	sched.Modified = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_schedules (name, task_type, schedule, args, enabled, created, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sched.Name, sched.TaskType, sched.Spec, args, sched.Enabled, sched.Created, sched.Modified,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("schedule already exists", slog.String("name", sched.Name))
			return MapUniqueViolation(err, store.ErrScheduleExists)
		}
		log.Error("failed to create schedule",
			slog.String("error", err.Error()),
			slog.String("name", sched.Name))
		return fmt.Errorf("failed to create schedule: %w", MapError(err))
	}

	log.Info("schedule created",
		slog.String("name", sched.Name),
		slog.String("task_type", sched.TaskType),
		slog.String("schedule", sched.Spec))
	return nil
}

// Delete removes the named schedule.
func (s *PostgresScheduleStore) Delete(ctx context.Context, name string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM periodic_schedules WHERE name = $1`, name)
	if err != nil {
		log.Error("failed to delete schedule",
			slog.String("error", err.Error()),
			slog.String("name", name))
		return fmt.Errorf("%w: %v", store.ErrDeleteFailed, MapError(err))
	}
	if err := CheckRowsAffected(result, fmt.Errorf("%w: %s", store.ErrScheduleNotFound, name)); err != nil {
		return err
	}

	log.Info("schedule deleted", slog.String("name", name))
	return nil
}

// List returns every schedule ordered by name.
func (s *PostgresScheduleStore) List(ctx context.Context) ([]*beat.Schedule, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, task_type, schedule, args, enabled, created, modified
		FROM periodic_schedules
		ORDER BY name`)
	if err != nil {
		log.Error("failed to query schedules", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query schedules: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var schedules []*beat.Schedule
	for rows.Next() {
		var (
			sched beat.Schedule
			args  []byte
		)
		if err := rows.Scan(
			&sched.Name,
			&sched.TaskType,
			&sched.Spec,
			&args,
			&sched.Enabled,
			&sched.Created,
			&sched.Modified,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		var doc task.Document
		if err := decodeDocument(args, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode schedule args for %s: %w", sched.Name, err)
		}
		sched.Args = doc
		schedules = append(schedules, &sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule rows: %w", err)
	}
	return schedules, nil
}
