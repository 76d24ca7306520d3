package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Execute handles one delivered job. Task jobs reload their task, drive it
// through the state machine and record failures on the task itself, so a
// failing runner never produces an error here. The returned error reports
// infrastructure problems only.
func (s *Service) Execute(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindRun, KindRetry, KindRevert:
		s.executeTask(ctx, job)
		return nil
	case KindRunSchedule:
		if _, err := s.RunSchedule(ctx, job.TaskType, job.Args); err != nil {
			return fmt.Errorf("failed to run schedule %s: %w", job.TaskType, err)
		}
		return nil
	case KindCleanup:
		_, err := s.Cleanup(ctx)
		return err
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (s *Service) executeTask(ctx context.Context, job Job) {
	logger := s.logger.With(
		"task_id", job.TaskID,
		"job_id", job.ID,
		"job_kind", job.Kind,
	)

	t, err := s.store.Get(ctx, job.TaskID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load task", "error", err)
		return
	}

	if t.Status == StatusCanceled && job.Kind != KindRevert {
		logger.InfoContext(ctx, "task is canceled, dropping job")
		return
	}

	runner, err := s.runner(t)
	if err != nil {
		s.fail(ctx, t, nil, job.Kind, err)
		return
	}

	_ = t.LogStatus(ctx, "TASK FOUND", false)
	logger.DebugContext(ctx, "executing task", "runner", t.RunnerPath, "status", t.Status)

	var step func(context.Context, *Task, Runner) error
	switch job.Kind {
	case KindRetry:
		step = s.retryStep
	case KindRevert:
		step = s.revertStep
	default:
		step = s.runStep
	}

	if err := step(ctx, t, runner); err != nil {
		s.fail(ctx, t, runner, job.Kind, err)
		return
	}
	logger.InfoContext(ctx, "task step completed", "status", t.Status)
}

func (s *Service) runStep(ctx context.Context, t *Task, r Runner) error {
	wctx := context.WithoutCancel(ctx)
	started := s.now()
	t.Status = StatusDoing
	t.StartedOn = &started
	if err := s.persist(wctx, t, FieldStatus, FieldStartedOn, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusDoing)

	if err := invoke(ctx, r.Run); err != nil {
		return err
	}

	finished := s.now()
	t.Status = StatusDone
	t.FinishedOn = &finished
	if err := s.persist(wctx, t, FieldStatus, FieldFinishedOn, FieldResults, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusDone)
	return nil
}

func (s *Service) retryStep(ctx context.Context, t *Task, r Runner) error {
	wctx := context.WithoutCancel(ctx)
	started := s.now()
	t.Status = StatusRetrying
	t.Retries++
	t.StartedOn = &started
	if err := s.persist(wctx, t, FieldStatus, FieldRetries, FieldStartedOn, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusRetrying)

	if err := invoke(ctx, func(ctx context.Context) error { return retry(ctx, r) }); err != nil {
		return err
	}

	finished := s.now()
	t.Status = StatusDone
	t.FinishedOn = &finished
	if err := s.persist(wctx, t, FieldStatus, FieldFinishedOn, FieldResults, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusDone)
	return nil
}

func (s *Service) revertStep(ctx context.Context, t *Task, r Runner) error {
	wctx := context.WithoutCancel(ctx)
	started := s.now()
	t.Status = StatusReverting
	t.RevertStartedOn = &started
	if err := s.persist(wctx, t, FieldStatus, FieldRevertStartedOn, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusReverting)

	if err := invoke(ctx, r.Revert); err != nil {
		return err
	}

	finished := s.now()
	t.Status = StatusReverted
	t.RevertFinishedOn = &finished
	if err := s.persist(wctx, t, FieldStatus, FieldRevertFinishedOn, FieldResults, FieldLog); err != nil {
		return err
	}
	s.metrics.transition(StatusReverted)
	return nil
}

// fail records err on the task and, unless the failed job was a revert,
// hands the task to the retry policy. A task canceled while the job ran keeps
// its CANCELED status and is never retried; the failure is still recorded.
// Writes use an uncancelable context because a terminated or draining job
// arrives here with its context already canceled.
func (s *Service) fail(ctx context.Context, t *Task, r Runner, kind JobKind, err error) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With("task_id", t.ID, "job_kind", kind)
	logger.ErrorContext(ctx, "task execution failed", "error", err)

	status := StatusError
	if kind == KindRetry {
		status = StatusRetryError
	}

	line, traceback := diagnostics(err)
	t.Results = Document{
		"exception": err.Error(),
		"line":      line,
		"traceback": traceback,
	}
	record := "ERROR: " + err.Error()

	t.Status = status
	canceled := false
	updated, updateErr := s.store.Update(ctx, t.ID, func(current *Task) error {
		canceled = current.Status == StatusCanceled
		if canceled {
			t.Status = StatusCanceled
		} else {
			t.Status = status
		}
		t.appendLog(record, true)
		CopyFields(current, t, FieldStatus, FieldResults, FieldLog)
		return nil
	})
	if updateErr != nil {
		logger.ErrorContext(ctx, "failed to save failed task", "error", updateErr)
	} else {
		t.Modified = updated.Modified
	}
	if r != nil {
		r.Notify(ctx, record)
	}

	if canceled {
		logger.InfoContext(ctx, "task was canceled while running, not retrying")
		return
	}
	s.metrics.transition(t.Status)

	if kind == KindRevert {
		return
	}
	if err := s.scheduleRetry(ctx, t, r); err != nil {
		logger.ErrorContext(ctx, "failed to schedule retry", "error", err)
	}
}

// PanicError is the error recorded when a runner hook panics.
type PanicError struct {
	Value any
	err   error
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the stack-carrying cause.
func (e *PanicError) Unwrap() error {
	return e.err
}

// invoke calls a runner hook, converting a panic into a *PanicError that
// carries the panicking stack.
func invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, err: pkgerrors.Errorf("panic: %v", p)}
		}
	}()
	return fn(ctx)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// diagnostics returns the source location an error originated from and its
// formatted stack. Errors created without a stack get one rooted here.
func diagnostics(err error) (line string, traceback string) {
	var st stackTracer
	if !errors.As(err, &st) {
		return "unknown", fmt.Sprintf("%+v", pkgerrors.WithStack(err))
	}

	line = "unknown"
	for _, frame := range st.StackTrace() {
		pc := uintptr(frame) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		name := fn.Name()
		if strings.HasPrefix(name, "runtime.") ||
			strings.HasPrefix(name, "github.com/pkg/errors.") ||
			strings.Contains(name, "internal/task.invoke") {
			continue
		}
		file, n := fn.FileLine(pc)
		line = fmt.Sprintf("%s:%d", file, n)
		break
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return line, fmt.Sprintf("%s\n%+v", pe.Error(), st)
	}
	return line, fmt.Sprintf("%+v", err)
}
