package runners

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/gonk/internal/queue"
	"github.com/phrazzld/gonk/internal/task"
)

type harness struct {
	store   *task.MemoryStore
	broker  *queue.MemoryBroker
	service *task.Service
	now     time.Time
	mu      sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, notifiers ...task.NotifyStrategy) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := task.NewRegistry()
	require.NoError(t, RegisterAll(reg, notifiers...))

	h := &harness{
		store:  task.NewMemoryStore(),
		broker: queue.NewMemoryBroker(0, logger),
		now:    time.Now().UTC(),
	}
	h.service = task.NewService(h.store, h.broker, reg, logger, task.WithClock(h.clock))
	t.Cleanup(h.broker.Close)
	return h
}

// drain executes every job that is currently due.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for h.broker.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		job, err := h.broker.Dequeue(ctx, []string{task.DefaultQueue})
		cancel()
		require.NoError(t, err)
		require.NoError(t, h.service.Execute(context.Background(), job))
	}
}

func TestRegisterAll(t *testing.T) {
	t.Parallel()

	reg := task.NewRegistry()
	require.NoError(t, RegisterAll(reg))
	assert.Equal(t, []string{"add", "expirable_with_func", "no_reversible", "print", "sleep"}, reg.Names())

	beats := reg.Beats()
	require.Len(t, beats, 1)
	assert.Equal(t, TypePrint, beats[0].Name)
	assert.Equal(t, PrintSchedule, beats[0].Schedule)

	path, err := reg.Resolve(TypeAdd)
	require.NoError(t, err)
	assert.Equal(t, "github.com/phrazzld/gonk/internal/runners.Add", path)

	assert.ErrorIs(t, RegisterAll(reg), task.ErrDuplicateTaskType)
}

func TestAdd_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input task.Document
		valid bool
	}{
		{"positive", task.Document{"element1": 1, "element2": 2}, true},
		{"zero", task.Document{"element1": 0, "element2": float64(0)}, true},
		{"negative", task.Document{"element1": -1, "element2": 2}, false},
		{"missing", task.Document{"element1": 1}, false},
		{"string", task.Document{"element1": "1", "element2": 2}, false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := NewAdd(&task.Task{Input: tc.input}).Validate(context.Background())
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, task.ErrValidation)
			}
		})
	}
}

func TestAdd_RunAndRevert(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.service.CreateTask(ctx, task.CreateRequest{
		Type:  TypeAdd,
		Input: task.Document{"element1": 2, "element2": 3},
	})
	require.NoError(t, err)
	h.drain(t)

	stored, err := h.service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, stored.Status)
	assert.Equal(t, float64(5), stored.Results["solution"])

	_, err = h.service.Revert(ctx, created.ID)
	require.NoError(t, err)
	h.drain(t)

	stored, err = h.service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReverted, stored.Status)
	assert.NotContains(t, stored.Results, "solution")
}

func TestNoReversible(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.service.CreateTask(ctx, task.CreateRequest{Type: TypeNoReversible})
	require.NoError(t, err)
	h.drain(t)

	_, err = h.service.Revert(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrRevertNotPermitted)

	stored, err := h.service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, stored.Status)
	assert.Equal(t, "done", stored.Results["solution"])
}

func TestSleep_Checkpoints(t *testing.T) {
	original := SleepStep
	SleepStep = time.Millisecond
	defer func() { SleepStep = original }()

	var (
		mu       sync.Mutex
		messages []string
	)
	h := newHarness(t, task.NotifyFunc(func(ctx context.Context, t *task.Task, message string) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, message)
	}))
	ctx := context.Background()

	created, err := h.service.CreateTask(ctx, task.CreateRequest{
		Type:  TypeSleep,
		Input: task.Document{"steps": 3},
	})
	require.NoError(t, err)
	h.drain(t)

	stored, err := h.service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, stored.Status)
	assert.Contains(t, stored.Log, "falling asleep")
	assert.Contains(t, stored.Log, "slept for 3ms")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"slept for 1ms", "slept for 2ms", "slept for 3ms"}, messages)
}

func TestSleep_Interrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewSleep(&task.Task{Input: task.Document{"steps": 1}})
	err := r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_Validation(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewSleep(&task.Task{}).Validate(context.Background()))
	assert.ErrorIs(t, NewSleep(&task.Task{Input: task.Document{"steps": -1}}).Validate(context.Background()), task.ErrValidation)
}

func TestPrint(t *testing.T) {
	t.Parallel()

	tk := &task.Task{Status: task.StatusDoing}
	r := &Print{Base: task.Base{Task: tk}, now: func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}}

	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, tk.Log, "scheduled notification: 2024-03-01T12:00:00Z")
	assert.Contains(t, tk.Log, "Status:")
}

func TestExpirable_Cleanup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	marker := filepath.Join(t.TempDir(), "created_on_expire")
	created, err := h.service.CreateTask(ctx, task.CreateRequest{
		Type:  TypeExpirable,
		Input: task.Document{"marker": marker},
	})
	require.NoError(t, err)
	require.NotNil(t, created.ExpireOn)
	assert.Equal(t, created.Created.Add(ExpirableLifetime), *created.ExpireOn)
	h.drain(t)

	deleted, err := h.service.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	h.advance(ExpirableLifetime + time.Second)
	deleted, err = h.service.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	_, err = h.service.Get(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}
