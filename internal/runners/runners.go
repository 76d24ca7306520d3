// Package runners holds the built-in task runners shipped with the service.
package runners

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/phrazzld/gonk/internal/task"
)

// Registered task type names
const (
	TypeAdd          = "add"
	TypeSleep        = "sleep"
	TypePrint        = "print"
	TypeNoReversible = "no_reversible"
	TypeExpirable    = "expirable_with_func"
)

// PrintSchedule fires the print runner every minute.
const PrintSchedule = "* * * * *"

// DefaultSleepSteps is the number of steps the sleep runner takes.
const DefaultSleepSteps = 2

// SleepStep is how long each step of the sleep runner lasts.
var SleepStep = 10 * time.Second

// RegisterAll registers the built-in runners. Notification strategies are
// attached to every runner except the expirable one.
func RegisterAll(reg *task.Registry, notifiers ...task.NotifyStrategy) error {
	var opts []task.EntryOption
	for _, n := range notifiers {
		opts = append(opts, task.WithNotifier(n))
	}

	if err := reg.Register(TypeAdd, NewAdd, opts...); err != nil {
		return err
	}
	if err := reg.Register(TypeSleep, NewSleep, opts...); err != nil {
		return err
	}
	if err := reg.RegisterBeat(TypePrint, NewPrint, PrintSchedule, opts...); err != nil {
		return err
	}
	if err := reg.Register(TypeNoReversible, NewNoReversible, opts...); err != nil {
		return err
	}
	return reg.Register(TypeExpirable, NewExpirable)
}

// number reads a JSON number from the task input.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func results(t *task.Task) task.Document {
	if t.Results == nil {
		t.Results = task.Document{}
	}
	return t.Results
}

// Add sums element1 and element2.
type Add struct {
	task.Base
}

// NewAdd builds an Add runner.
func NewAdd(t *task.Task) task.Runner {
	return &Add{Base: task.Base{Task: t}}
}

// Validate requires both elements to be non-negative numbers.
func (r *Add) Validate(ctx context.Context) error {
	a, okA := number(r.Task.Input["element1"])
	b, okB := number(r.Task.Input["element2"])
	if !okA || !okB {
		return task.NewValidationError("element1 and element2 must be numbers")
	}
	if a < 0 || b < 0 {
		return task.NewValidationError("element1 and element2 must be equal or higher than 0")
	}
	return nil
}

// Run stores the sum in results.solution.
func (r *Add) Run(ctx context.Context) error {
	a, _ := number(r.Task.Input["element1"])
	b, _ := number(r.Task.Input["element2"])
	results(r.Task)["solution"] = a + b
	return nil
}

// Revert removes the solution.
func (r *Add) Revert(ctx context.Context) error {
	delete(results(r.Task), "solution")
	return nil
}

// Sleep sleeps in steps, checkpointing after each one. The input key
// "steps" overrides DefaultSleepSteps.
type Sleep struct {
	task.Base
}

// NewSleep builds a Sleep runner.
func NewSleep(t *task.Task) task.Runner {
	return &Sleep{Base: task.Base{Task: t}}
}

// Validate accepts any input with a non-negative step count.
func (r *Sleep) Validate(ctx context.Context) error {
	if v, ok := r.Task.Input["steps"]; ok {
		if n, isNum := number(v); !isNum || n < 0 {
			return task.NewValidationError("steps must be a non-negative number")
		}
	}
	return nil
}

// Run sleeps until every step has elapsed or ctx is cancelled.
func (r *Sleep) Run(ctx context.Context) error {
	steps := DefaultSleepSteps
	if n, ok := number(r.Task.Input["steps"]); ok {
		steps = int(n)
	}

	if err := r.Task.LogStatus(ctx, "falling asleep", false); err != nil {
		return err
	}
	for i := 1; i <= steps; i++ {
		timer := time.NewTimer(SleepStep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "sleep interrupted")
		case <-timer.C:
		}
		record := fmt.Sprintf("slept for %s", time.Duration(i)*SleepStep)
		if err := r.Task.LogStatus(ctx, record, true); err != nil {
			return err
		}
	}
	return nil
}

// Print logs a timestamped checkpoint. It is registered with a schedule
// firing every minute.
type Print struct {
	task.Base
	now func() time.Time
}

// NewPrint builds a Print runner.
func NewPrint(t *task.Task) task.Runner {
	return &Print{Base: task.Base{Task: t}, now: time.Now}
}

// Validate accepts any input.
func (r *Print) Validate(ctx context.Context) error { return nil }

// Run writes the scheduled notification checkpoint.
func (r *Print) Run(ctx context.Context) error {
	return r.Task.LogStatus(ctx, "scheduled notification: "+r.now().Format(time.RFC3339), true)
}

// NoReversible completes immediately and refuses to be reverted.
type NoReversible struct {
	task.Base
}

// NewNoReversible builds a NoReversible runner.
func NewNoReversible(t *task.Task) task.Runner {
	return &NoReversible{Base: task.Base{Task: t}}
}

// Validate accepts any input.
func (r *NoReversible) Validate(ctx context.Context) error { return nil }

// Run marks the task done.
func (r *NoReversible) Run(ctx context.Context) error {
	results(r.Task)["solution"] = "done"
	return nil
}

// Reversible returns false.
func (r *NoReversible) Reversible() bool { return false }

// ExpirableLifetime is how long an Expirable task lives.
var ExpirableLifetime = 3 * time.Second

// Expirable expires shortly after creation. On expiry it writes a marker
// file at input["marker"] when one is given.
type Expirable struct {
	task.Base
}

// NewExpirable builds an Expirable runner.
func NewExpirable(t *task.Task) task.Runner {
	return &Expirable{Base: task.Base{Task: t}}
}

// Validate accepts any input.
func (r *Expirable) Validate(ctx context.Context) error { return nil }

// Run marks the task done.
func (r *Expirable) Run(ctx context.Context) error {
	results(r.Task)["solution"] = "done"
	return nil
}

// Expiration returns ExpirableLifetime.
func (r *Expirable) Expiration() task.Expiration {
	return task.ExpireAfter(ExpirableLifetime)
}

// Expire writes the marker file.
func (r *Expirable) Expire(ctx context.Context) error {
	path, _ := r.Task.Input["marker"].(string)
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write expiration marker %s", path)
	}
	return nil
}
