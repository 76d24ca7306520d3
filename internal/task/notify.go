package task

import "context"

// NotifyStrategy is an external notification channel attached to a runner.
// Implementations must return quickly and swallow their own failures.
type NotifyStrategy interface {
	Notify(ctx context.Context, t *Task, message string)
}

// NotifyFunc adapts a function to NotifyStrategy.
type NotifyFunc func(ctx context.Context, t *Task, message string)

// Notify calls f.
func (f NotifyFunc) Notify(ctx context.Context, t *Task, message string) {
	f(ctx, t, message)
}

// notifyingRunner gives each strategy a chance to act before the wrapped
// runner's own Notify hook.
type notifyingRunner struct {
	Runner
	task       *Task
	strategies []NotifyStrategy
}

func withNotifiers(r Runner, t *Task, strategies []NotifyStrategy) Runner {
	if len(strategies) == 0 {
		return r
	}
	return &notifyingRunner{Runner: r, task: t, strategies: strategies}
}

// Notify runs every strategy, then the runner's hook.
func (n *notifyingRunner) Notify(ctx context.Context, message string) {
	for _, s := range n.strategies {
		s.Notify(ctx, n.task, message)
	}
	n.Runner.Notify(ctx, message)
}

// Retry forwards to the wrapped runner so a custom retry hook survives
// decoration.
func (n *notifyingRunner) Retry(ctx context.Context) error {
	return retry(ctx, n.Runner)
}
