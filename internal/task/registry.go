package task

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// Entry binds a task type name to a runner path and, for recurring task
// types, to a cron schedule.
type Entry struct {
	Name     string
	Path     string
	Schedule string
	Args     Document
}

// Recurring reports whether the entry carries a schedule.
func (e Entry) Recurring() bool {
	return e.Schedule != ""
}

// EntryOption customizes a registry entry.
type EntryOption func(*entryOptions)

type entryOptions struct {
	args      Document
	notifiers []NotifyStrategy
}

// WithNotifier attaches a notification strategy to the runner.
func WithNotifier(s NotifyStrategy) EntryOption {
	return func(o *entryOptions) {
		if s != nil {
			o.notifiers = append(o.notifiers, s)
		}
	}
}

// WithArgs sets the fixed input passed to tasks created by a schedule.
func WithArgs(args Document) EntryOption {
	return func(o *entryOptions) {
		o.args = args.Clone()
	}
}

// Registry maps task type names to runner constructors. It is filled at
// startup, before any task is created, and only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	factories map[string]Factory
	notifiers map[string][]NotifyStrategy
	parser    cron.Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]Entry),
		factories: make(map[string]Factory),
		notifiers: make(map[string][]NotifyStrategy),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register binds name to the runner built by factory.
// Registering the same name twice returns ErrDuplicateTaskType.
func (r *Registry) Register(name string, factory Factory, opts ...EntryOption) error {
	return r.register(name, factory, "", opts)
}

// RegisterBeat registers name like Register and installs a recurring schedule
// that creates a task of that type on every firing.
func (r *Registry) RegisterBeat(name string, factory Factory, schedule string, opts ...EntryOption) error {
	if _, err := r.parser.Parse(schedule); err != nil {
		return fmt.Errorf("%w: %q for %s: %v", ErrInvalidSchedule, schedule, name, err)
	}
	return r.register(name, factory, schedule, opts)
}

// MustRegister is like Register but panics on error. Intended for
// registration code that runs at process start.
func (r *Registry) MustRegister(name string, factory Factory, opts ...EntryOption) {
	if err := r.Register(name, factory, opts...); err != nil {
		panic(err)
	}
}

// MustRegisterBeat is like RegisterBeat but panics on error.
func (r *Registry) MustRegisterBeat(name string, factory Factory, schedule string, opts ...EntryOption) {
	if err := r.RegisterBeat(name, factory, schedule, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) register(name string, factory Factory, schedule string, opts []EntryOption) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownTaskType)
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %s", ErrUnknownRunner, name)
	}

	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}

	path := RunnerPath(factory)
	if path == "" {
		return fmt.Errorf("%w: factory for %s returned nil", ErrUnknownRunner, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskType, name)
	}

	// A runner path may be aliased by several names, but it is built by one
	// factory and notified by the strategies given when it was first bound.
	if bound, exists := r.factories[path]; exists {
		if reflect.ValueOf(bound).Pointer() != reflect.ValueOf(factory).Pointer() {
			return fmt.Errorf("%w: %s for %s", ErrConflictingRunner, path, name)
		}
		if len(o.notifiers) > 0 {
			return fmt.Errorf("%w: notifiers for %s are set by its first registration", ErrConflictingRunner, path)
		}
	} else {
		r.factories[path] = factory
		r.notifiers[path] = o.notifiers
	}

	r.entries[name] = Entry{Name: name, Path: path, Schedule: schedule, Args: o.args}
	return nil
}

// Resolve returns the runner path registered for name.
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, name)
	}
	return entry.Path, nil
}

// Lookup returns the entry registered for name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	return entry, ok
}

// Build reconstructs the runner for t from its stored runner path.
func (r *Registry) Build(t *Task) (Runner, error) {
	r.mu.RLock()
	factory, ok := r.factories[t.RunnerPath]
	notifiers := r.notifiers[t.RunnerPath]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRunner, t.RunnerPath)
	}
	return withNotifiers(factory(t), t, notifiers), nil
}

// Names returns the registered task type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Beats returns the entries that carry a recurring schedule, sorted by name.
func (r *Registry) Beats() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var beats []Entry
	for _, entry := range r.entries {
		if entry.Recurring() {
			entry.Args = entry.Args.Clone()
			beats = append(beats, entry)
		}
	}
	sort.Slice(beats, func(i, j int) bool { return beats[i].Name < beats[j].Name })
	return beats
}

// RunnerPath returns the stable identifier of the runner type built by
// factory: its package path and type name.
func RunnerPath(factory Factory) string {
	typ := reflect.TypeOf(factory(&Task{}))
	if typ == nil {
		return ""
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.PkgPath() == "" {
		return typ.String()
	}
	return typ.PkgPath() + "." + typ.Name()
}
