package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register("add", newAddRunner))

	path, err := reg.Resolve("add")
	require.NoError(t, err)
	assert.Equal(t, "github.com/phrazzld/gonk/internal/task.addRunner", path)

	err = reg.Register("add", newAddRunner)
	assert.ErrorIs(t, err, ErrDuplicateTaskType)

	_, err = reg.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	assert.Error(t, reg.Register("", newAddRunner))
	assert.Error(t, reg.Register("nil-factory", nil))
	assert.Error(t, reg.Register("nil-runner", func(*Task) Runner { return nil }))
}

func TestRegistry_Alias(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register("add", newAddRunner))
	require.NoError(t, reg.Register("sum", newAddRunner))

	a, err := reg.Resolve("add")
	require.NoError(t, err)
	b, err := reg.Resolve("sum")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"add", "sum"}, reg.Names())
}

func TestRegistry_AliasConflicts(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("add", newAddRunner, WithNotifier(notifier)))

	otherFactory := func(t *Task) Runner { return &addRunner{Base: Base{Task: t}} }
	err := reg.Register("plus", otherFactory)
	assert.ErrorIs(t, err, ErrConflictingRunner)
	_, ok := reg.Lookup("plus")
	assert.False(t, ok)

	err = reg.Register("sum", newAddRunner, WithNotifier(&recordingNotifier{}))
	assert.ErrorIs(t, err, ErrConflictingRunner)

	require.NoError(t, reg.Register("total", newAddRunner))

	runner, err := reg.Build(&Task{RunnerPath: "github.com/phrazzld/gonk/internal/task.addRunner", Results: Document{}})
	require.NoError(t, err)
	runner.Notify(context.Background(), "hello")
	assert.Equal(t, []string{"hello"}, notifier.Messages())
}

func TestRegistry_RegisterBeat(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register("add", newAddRunner))
	require.NoError(t, reg.RegisterBeat("print", func(t *Task) Runner {
		return &fixedRunner{Base: Base{Task: t}}
	}, "* * * * *", WithArgs(Document{"message": "hi"})))

	err := reg.RegisterBeat("bad", newAddRunner, "not a schedule")
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	beats := reg.Beats()
	require.Len(t, beats, 1)
	assert.Equal(t, "print", beats[0].Name)
	assert.Equal(t, "* * * * *", beats[0].Schedule)
	assert.Equal(t, "hi", beats[0].Args["message"])

	entry, ok := reg.Lookup("add")
	require.True(t, ok)
	assert.False(t, entry.Recurring())
}

func TestRegistry_Build(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("add", newAddRunner, WithNotifier(notifier)))

	path, err := reg.Resolve("add")
	require.NoError(t, err)

	task := &Task{RunnerPath: path, Input: Document{"element1": 1, "element2": 2}, Results: Document{}}
	runner, err := reg.Build(task)
	require.NoError(t, err)

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, float64(3), task.Results["solution"])

	runner.Notify(context.Background(), "hello")
	assert.Equal(t, []string{"hello"}, notifier.Messages())

	_, err = reg.Build(&Task{RunnerPath: "gone.Runner"})
	assert.ErrorIs(t, err, ErrUnknownRunner)
}
