package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service creates, dispatches and manages tasks. It is safe for concurrent
// use by the HTTP API, the CLI, the beat publisher and the queue workers.
type Service struct {
	store    Store
	broker   Broker
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics records lifecycle counters on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new task service.
func NewService(store Store, broker Broker, registry *Registry, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		broker:   broker,
		registry: registry,
		logger:   logger.With("component", "task_service"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry the service resolves task types with.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Type  string
	Input Document
	Owner string

	// ETA delays the first execution. Zero means run as soon as possible.
	ETA   time.Time
	Queue string

	Retryable  bool
	RetryDelay time.Duration
	MaxRetries int
}

// CreateTask resolves the task type, validates the input, persists the task
// and dispatches its first execution. Nothing is persisted or enqueued when
// the type is unknown or validation fails.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (*Task, error) {
	path, err := s.registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}

	now := s.now()
	input := req.Input.Clone()
	if input == nil {
		input = Document{}
	}
	queue := req.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	t := &Task{
		ID:         uuid.New(),
		RunnerPath: path,
		Input:      input,
		Results:    Document{},
		Owner:      req.Owner,
		Status:     StatusPending,
		Retryable:  req.Retryable,
		RetryDelay: req.RetryDelay,
		MaxRetries: req.MaxRetries,
		Queue:      queue,
		Created:    now,
		Modified:   now,
	}

	runner, err := s.runner(t)
	if err != nil {
		return nil, err
	}
	if exp := runner.Expiration(); !exp.IsZero() {
		expireOn := exp.From(now)
		t.ExpireOn = &expireOn
	}

	if err := runner.Validate(ctx); err != nil {
		if !errors.Is(err, ErrValidation) {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	s.metrics.taskCreated(req.Type)

	if err := s.dispatch(ctx, t, KindRun, req.ETA); err != nil {
		return t, err
	}

	s.logger.InfoContext(ctx, "task created",
		"task_id", t.ID,
		"task_type", req.Type,
		"job_id", t.JobID,
		"queue", t.Queue)
	return t, nil
}

// RunSchedule creates a task of the given type with args as its input. It is
// the action bound to recurring schedules.
func (s *Service) RunSchedule(ctx context.Context, taskType string, args Document) (*Task, error) {
	return s.CreateTask(ctx, CreateRequest{Type: taskType, Input: args})
}

// Get loads a task by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List returns the owner's tasks, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]*Task, error) {
	tasks, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Cancel revokes the task's current job and marks the task CANCELED. With
// terminate set, a job that is already running is asked to stop.
//
// Cancellation is advisory. A run that fails after the cancel keeps CANCELED
// and is not retried, and jobs delivered later for the task are dropped, but
// a run that completes after the cancel still records DONE.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, terminate bool) (*Task, error) {
	// The status is written before the revoke so that a terminated run
	// already sees CANCELED when it fails.
	updated, err := s.store.Update(ctx, id, func(current *Task) error {
		current.Status = StatusCanceled
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	s.metrics.transition(StatusCanceled)

	if updated.JobID != "" {
		if err := s.broker.Revoke(ctx, updated.JobID, terminate); err != nil {
			return nil, fmt.Errorf("task %s is canceled but revoking job %s failed: %w", id, updated.JobID, err)
		}
	}

	s.logger.InfoContext(ctx, "task canceled",
		"task_id", id,
		"job_id", updated.JobID,
		"terminate", terminate)
	return updated, nil
}

// Revert dispatches a job that undoes the task's effect. It returns
// ErrRevertNotPermitted when the runner is not reversible.
func (s *Service) Revert(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	runner, err := s.runner(t)
	if err != nil {
		return nil, err
	}
	if !runner.Reversible() {
		return nil, fmt.Errorf("%w: %s", ErrRevertNotPermitted, t.RunnerPath)
	}

	if err := s.dispatch(ctx, t, KindRevert, time.Time{}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task revert dispatched", "task_id", id, "job_id", t.JobID)
	return t, nil
}

// Retry schedules another execution of the task if its retry policy allows
// it. An exhausted task is notified instead.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	runner, err := s.runner(t)
	if err != nil {
		return err
	}
	return s.scheduleRetry(ctx, t, runner)
}

func (s *Service) scheduleRetry(ctx context.Context, t *Task, runner Runner) error {
	if !t.Retryable || t.Status == StatusCanceled {
		return nil
	}

	if t.Retries > t.MaxRetries {
		s.logger.InfoContext(ctx, "max retries exceeded",
			"task_id", t.ID,
			"retries", t.Retries,
			"max_retries", t.MaxRetries)
		if runner != nil {
			runner.Notify(ctx, "Max retries exceeded")
		}
		return nil
	}

	eta := s.now().Add(t.RetryDelay)
	if err := s.dispatch(ctx, t, KindRetry, eta); err != nil {
		return err
	}
	s.metrics.retryScheduled()

	s.logger.InfoContext(ctx, "task retry scheduled",
		"task_id", t.ID,
		"job_id", t.JobID,
		"eta", eta,
		"retries", t.Retries)
	return nil
}

// Cleanup runs Expire on every task whose expiration has passed and deletes
// it. A failing Expire hook is logged and the task is deleted anyway. It
// returns the number of deleted tasks.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	deleted := 0
	for _, t := range expired {
		logger := s.logger.With("task_id", t.ID, "runner", t.RunnerPath)

		runner, err := s.runner(t)
		if err != nil {
			logger.ErrorContext(ctx, "failed to build runner for expired task", "error", err)
		} else if err := invoke(ctx, runner.Expire); err != nil {
			logger.ErrorContext(ctx, "expire hook failed", "error", err)
		}

		if err := s.store.Delete(ctx, t.ID); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			logger.ErrorContext(ctx, "failed to delete expired task", "error", err)
			continue
		}
		deleted++
		s.metrics.taskExpired()
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "expired tasks removed", "count", deleted)
	}
	return deleted, nil
}

// recoverableStatuses are the states whose next job may exist only in an
// in-process broker.
var recoverableStatuses = []Status{
	StatusPending,
	StatusDoing,
	StatusRetrying,
	StatusReverting,
	StatusError,
	StatusRetryError,
}

var errRecoveryRace = errors.New("task changed during recovery")

// Recover re-dispatches the jobs of unfinished tasks. It is meant for
// brokers that lose their queue on restart: pending tasks are queued again
// at their recorded ETA, interrupted runs and retries are reset and queued
// immediately, and retries that were scheduled but not yet run are queued
// again. It returns the number of dispatched jobs.
func (s *Service) Recover(ctx context.Context) (int, error) {
	tasks, err := s.store.ListByStatus(ctx, recoverableStatuses...)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}

	s.logger.InfoContext(ctx, "recovering unfinished tasks", "count", len(tasks))

	recovered := 0
	for _, t := range tasks {
		logger := s.logger.With("task_id", t.ID, "status", t.Status)

		kind, eta, ok := s.recoveryPlan(t)
		if !ok {
			continue
		}

		if t.Status == StatusDoing || t.Status == StatusRetrying {
			if err := s.resetInterrupted(ctx, t); err != nil {
				if errors.Is(err, errRecoveryRace) {
					logger.InfoContext(ctx, "task moved on, skipping recovery")
					continue
				}
				logger.ErrorContext(ctx, "failed to reset interrupted task", "error", err)
				continue
			}
		}

		if err := s.dispatch(ctx, t, kind, eta); err != nil {
			logger.ErrorContext(ctx, "failed to re-dispatch task", "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "unfinished tasks re-dispatched", "count", recovered)
	}
	return recovered, nil
}

// recoveryPlan returns the job that would have been queued for t.
func (s *Service) recoveryPlan(t *Task) (JobKind, time.Time, bool) {
	var eta time.Time
	if t.ETA != nil {
		eta = *t.ETA
	}

	switch t.Status {
	case StatusPending:
		return KindRun, eta, true
	case StatusDoing:
		return KindRun, time.Time{}, true
	case StatusRetrying:
		return KindRetry, time.Time{}, true
	case StatusReverting:
		return KindRevert, time.Time{}, true
	case StatusError, StatusRetryError:
		// a failed revert is never retried
		if t.Exhausted() || t.RevertStartedOn != nil {
			return "", time.Time{}, false
		}
		return KindRetry, eta, true
	}
	return "", time.Time{}, false
}

// resetInterrupted puts a run or retry that never finished back into the
// state it started from.
func (s *Service) resetInterrupted(ctx context.Context, t *Task) error {
	expected := t.Status
	switch expected {
	case StatusDoing:
		t.Status = StatusPending
	case StatusRetrying:
		t.Status = StatusRetryError
		if t.Retries > 0 {
			t.Retries--
		}
	}
	t.appendLog("Reset after recovery", true)

	updated, err := s.store.Update(ctx, t.ID, func(current *Task) error {
		if current.Status != expected {
			return errRecoveryRace
		}
		CopyFields(current, t, FieldStatus, FieldRetries, FieldLog)
		return nil
	})
	if err != nil {
		return err
	}
	t.Modified = updated.Modified
	return nil
}

// dispatch enqueues a job of the given kind for t and records the job id.
func (s *Service) dispatch(ctx context.Context, t *Task, kind JobKind, eta time.Time) error {
	job := Job{
		Kind:   kind,
		Queue:  t.Queue,
		TaskID: t.ID,
		ETA:    eta,
	}
	jobID, err := s.broker.Enqueue(ctx, job, eta)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}

	t.JobID = jobID
	t.ETA = nil
	if !eta.IsZero() {
		t.ETA = &eta
	}
	if err := s.persist(ctx, t, FieldJobID, FieldETA); err != nil {
		return fmt.Errorf("failed to record job id: %w", err)
	}
	return nil
}

// persist writes only the named fields of t to the store.
func (s *Service) persist(ctx context.Context, t *Task, fields ...Field) error {
	updated, err := s.store.Update(ctx, t.ID, func(current *Task) error {
		CopyFields(current, t, fields...)
		return nil
	})
	if err != nil {
		return err
	}
	t.Modified = updated.Modified
	return nil
}

// runner builds the runner for t and installs the checkpoint hook that
// persists and notifies on LogStatus checkpoints.
func (s *Service) runner(t *Task) (Runner, error) {
	runner, err := s.registry.Build(t)
	if err != nil {
		return nil, err
	}
	t.clock = s.now
	t.checkpoint = func(ctx context.Context, record string) error {
		if err := s.persist(context.WithoutCancel(ctx), t, checkpointFields...); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		runner.Notify(ctx, record)
		return nil
	}
	return runner, nil
}

// checkpointFields is every field an executing task owns. The job id is
// excluded because it belongs to whoever dispatched the latest job.
var checkpointFields = []Field{
	FieldStatus,
	FieldResults,
	FieldLog,
	FieldStartedOn,
	FieldFinishedOn,
	FieldRevertStartedOn,
	FieldRevertFinishedOn,
	FieldRetries,
}

func (s *Service) now() time.Time {
	return s.clock()
}
