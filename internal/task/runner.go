package task

import (
	"context"
	"time"
)

// Runner is the handler bound to a task type. A runner instance is built for
// one task by its Factory and may keep a reference to that task.
type Runner interface {
	// Validate checks the task input. It must be free of side effects; a
	// failure aborts task creation before anything is persisted.
	Validate(ctx context.Context) error

	// Run performs the task's effect.
	Run(ctx context.Context) error

	// Revert undoes the effect of Run. Only called when Reversible is true.
	Revert(ctx context.Context) error

	// Expire runs right before the sweeper deletes an expired task.
	Expire(ctx context.Context) error

	// Notify delivers a best-effort message about the task. It must not fail.
	Notify(ctx context.Context, message string)

	// Expiration is the lifetime of a task measured from its creation.
	// A zero Expiration means the task never expires.
	Expiration() Expiration

	// Reversible reports whether Revert may be invoked for this runner.
	Reversible() bool
}

// Retrier is implemented by runners whose retry differs from a plain re-run.
type Retrier interface {
	Retry(ctx context.Context) error
}

// Factory builds the runner for a task.
type Factory func(t *Task) Runner

// Base provides the default hooks. Runner variants embed it and implement at
// least Validate.
type Base struct {
	Task *Task
}

// Run does nothing.
func (Base) Run(context.Context) error { return nil }

// Revert does nothing.
func (Base) Revert(context.Context) error { return nil }

// Expire does nothing.
func (Base) Expire(context.Context) error { return nil }

// Notify does nothing.
func (Base) Notify(context.Context, string) {}

// Expiration returns the zero expiration.
func (Base) Expiration() Expiration { return Expiration{} }

// Reversible returns true.
func (Base) Reversible() bool { return true }

// retry runs the runner's Retry hook, or Run when it has none.
func retry(ctx context.Context, r Runner) error {
	if rt, ok := r.(Retrier); ok {
		return rt.Retry(ctx)
	}
	return r.Run(ctx)
}

// Expiration is a calendar-aware offset from a task's creation time.
type Expiration struct {
	Years    int
	Months   int
	Days     int
	Duration time.Duration
}

// Common expiration policies
var (
	WeekExpiration    = Expiration{Days: 7}
	MonthExpiration   = Expiration{Months: 1}
	QuarterExpiration = Expiration{Months: 3}
	YearExpiration    = Expiration{Years: 1}
)

// ExpireAfter returns an expiration of a fixed duration.
func ExpireAfter(d time.Duration) Expiration {
	return Expiration{Duration: d}
}

// IsZero reports whether the expiration is unset.
func (e Expiration) IsZero() bool {
	return e == Expiration{}
}

// From returns the instant the expiration elapses when counted from t.
func (e Expiration) From(t time.Time) time.Time {
	return t.AddDate(e.Years, e.Months, e.Days).Add(e.Duration)
}
