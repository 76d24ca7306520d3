package beat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phrazzld/gonk/internal/store"
	"github.com/phrazzld/gonk/internal/task"
)

// Schedule is a persisted recurring schedule. Each firing creates a task of
// TaskType with Args as its input.
type Schedule struct {
	Name     string
	TaskType string
	Spec     string
	Args     task.Document
	Enabled  bool
	Created  time.Time
	Modified time.Time
}

// specParser accepts five-field specs and descriptors such as @daily.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec can be installed by a publisher using the
// default parser.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", task.ErrInvalidSchedule, spec, err)
	}
	return nil
}

// ScheduleStore persists schedules independently of the in-process registry.
type ScheduleStore interface {
	// Create inserts a schedule. It returns an error wrapping
	// store.ErrScheduleExists when the name is taken.
	Create(ctx context.Context, s *Schedule) error

	// Delete removes the named schedule. It returns an error wrapping
	// store.ErrScheduleNotFound when no such schedule exists.
	Delete(ctx context.Context, name string) error

	// List returns every schedule ordered by name.
	List(ctx context.Context) ([]*Schedule, error)
}

// MemoryScheduleStore implements ScheduleStore in process memory.
type MemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
}

// NewMemoryScheduleStore creates an empty MemoryScheduleStore.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]*Schedule)}
}

// Create stores a copy of s.
func (m *MemoryScheduleStore) Create(ctx context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[s.Name]; exists {
		return fmt.Errorf("%w: %s", store.ErrScheduleExists, s.Name)
	}
	now := time.Now().UTC()
	if s.Created.IsZero() {
		s.Created = now
	}
	s.Modified = now

	c := *s
	c.Args = s.Args.Clone()
	m.schedules[s.Name] = &c
	return nil
}

// Delete removes the named schedule.
func (m *MemoryScheduleStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[name]; !exists {
		return fmt.Errorf("%w: %s", store.ErrScheduleNotFound, name)
	}
	delete(m.schedules, name)
	return nil
}

// List returns copies of every schedule ordered by name.
func (m *MemoryScheduleStore) List(ctx context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		c := *s
		c.Args = s.Args.Clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
