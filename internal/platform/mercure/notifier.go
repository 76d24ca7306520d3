package mercure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/gonk/internal/task"
)

// Notifier is a task.NotifyStrategy that forwards task notifications to a
// Mercure hub. Each notification is published from its own goroutine and
// failures are only logged.
type Notifier struct {
	publisher       *Publisher
	defaultAudience string
	timeout         time.Duration
	logger          *slog.Logger
	wg              sync.WaitGroup
}

var _ task.NotifyStrategy = (*Notifier)(nil)

// NewNotifier creates a notifier. Tasks without an owner are addressed to
// defaultAudience. A nil publisher disables publishing.
func NewNotifier(publisher *Publisher, defaultAudience string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher:       publisher,
		defaultAudience: defaultAudience,
		timeout:         10 * time.Second,
		logger:          logger.With("component", "mercure_notifier"),
	}
}

// Audience returns the subscriber a task's updates are addressed to.
func (n *Notifier) Audience(t *task.Task) string {
	if t.Owner != "" {
		return t.Owner
	}
	return n.defaultAudience
}

// Topic returns the topic a task's updates are published on.
func (n *Notifier) Topic(t *task.Task) string {
	return fmt.Sprintf("gonk-event-%s-%s", n.Audience(t), t.JobID)
}

// Notify publishes message for t in the background.
func (n *Notifier) Notify(ctx context.Context, t *task.Task, message string) {
	if n.publisher == nil {
		return
	}

	topic := n.Topic(t)
	targets := []string{topic, n.Audience(t)}
	taskID := t.ID

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.publisher.Publish(pubCtx, topic, targets, message); err != nil {
			n.logger.Warn("failed to publish task notification",
				"task_id", taskID,
				"topic", topic,
				"error", err)
		}
	}()
}

// Wait blocks until every in-flight publication has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
