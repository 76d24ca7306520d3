package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// recordingBroker captures every job handed to it.
type recordingBroker struct {
	mu         sync.Mutex
	seq        int
	jobs       []Job
	revoked    []revocation
	enqueueErr error
	revokeErr  error
}

type revocation struct {
	jobID     string
	terminate bool
}

func (b *recordingBroker) Enqueue(ctx context.Context, job Job, eta time.Time) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return "", b.enqueueErr
	}
	b.seq++
	job.ID = fmt.Sprintf("job-%d", b.seq)
	job.ETA = eta
	b.jobs = append(b.jobs, job)
	return job.ID, nil
}

func (b *recordingBroker) Revoke(ctx context.Context, jobID string, terminate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revokeErr != nil {
		return b.revokeErr
	}
	b.revoked = append(b.revoked, revocation{jobID: jobID, terminate: terminate})
	return nil
}

func (b *recordingBroker) Jobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Job(nil), b.jobs...)
}

func (b *recordingBroker) Last() Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.jobs) == 0 {
		return Job{}
	}
	return b.jobs[len(b.jobs)-1]
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier collects notification messages.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, t *Task, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type fixture struct {
	store    *MemoryStore
	broker   *recordingBroker
	registry *Registry
	clock    *testClock
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		store:    NewMemoryStore(),
		broker:   &recordingBroker{},
		registry: NewRegistry(),
		clock:    clock,
	}
	f.store.clock = clock.Now
	f.service = NewService(f.store, f.broker, f.registry, setupTestLogger(), WithClock(clock.Now))
	return f
}

// runLast executes the most recently enqueued job.
func (f *fixture) runLast(t *testing.T) {
	t.Helper()
	job := f.broker.Last()
	if job.ID == "" {
		t.Fatal("no job enqueued")
	}
	if err := f.service.Execute(context.Background(), job); err != nil {
		t.Fatalf("execute %s: %v", job.Kind, err)
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// addRunner sums two non-negative inputs.
type addRunner struct {
	Base
}

func newAddRunner(t *Task) Runner {
	return &addRunner{Base: Base{Task: t}}
}

func (r *addRunner) Validate(ctx context.Context) error {
	if number(r.Task.Input["element1"]) < 0 || number(r.Task.Input["element2"]) < 0 {
		return NewValidationError("elements must be non-negative")
	}
	return nil
}

func (r *addRunner) Run(ctx context.Context) error {
	if r.Task.Results == nil {
		r.Task.Results = Document{}
	}
	r.Task.Results["solution"] = number(r.Task.Input["element1"]) + number(r.Task.Input["element2"])
	return nil
}

func (r *addRunner) Revert(ctx context.Context) error {
	delete(r.Task.Results, "solution")
	return nil
}

// failingRunner fails every hook with err, or panics with panicValue.
type failingRunner struct {
	Base
	err        error
	panicValue any
}

func failingFactory(err error) Factory {
	return func(t *Task) Runner {
		return &failingRunner{Base: Base{Task: t}, err: err}
	}
}

func (r *failingRunner) Validate(ctx context.Context) error { return nil }

func (r *failingRunner) Run(ctx context.Context) error {
	if r.panicValue != nil {
		panic(r.panicValue)
	}
	return r.err
}

func (r *failingRunner) Revert(ctx context.Context) error { return r.err }

// recoveringRunner fails Run but succeeds through its Retry hook.
type recoveringRunner struct {
	Base
}

func (r *recoveringRunner) Validate(ctx context.Context) error { return nil }

func (r *recoveringRunner) Run(ctx context.Context) error {
	return errors.New("first attempt failed")
}

func (r *recoveringRunner) Retry(ctx context.Context) error {
	r.Task.Results["recovered"] = true
	return nil
}

// fixedRunner is neither reversible nor interesting.
type fixedRunner struct {
	Base
}

func (r *fixedRunner) Validate(ctx context.Context) error { return nil }
func (r *fixedRunner) Reversible() bool                   { return false }

// checkpointRunner records a checkpoint in the middle of Run.
type checkpointRunner struct {
	Base
}

func (r *checkpointRunner) Validate(ctx context.Context) error { return nil }

func (r *checkpointRunner) Run(ctx context.Context) error {
	return r.Task.LogStatus(ctx, "halfway there", true)
}

// expiringRunner counts Expire calls.
type expiringRunner struct {
	Base
	calls *int
	mu    *sync.Mutex
	err   error
}

func (r *expiringRunner) Validate(ctx context.Context) error { return nil }
func (r *expiringRunner) Expiration() Expiration             { return ExpireAfter(time.Hour) }

func (r *expiringRunner) Expire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.calls++
	return r.err
}
