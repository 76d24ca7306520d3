package task

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the Store interface in process memory. It is used
// by tests and by single-process development setups.
type MemoryStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*Task
	clock func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uuid.UUID]*Task),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a copy of the task
func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}

	now := s.clock()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get returns a copy of the stored task
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies fn to the stored task while holding the store lock
func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(current *Task) error) (*Task, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	current := stored.Clone()
	if err := fn(current); err != nil {
		return nil, err
	}
	current.Modified = s.clock()
	s.tasks[id] = current
	return current.Clone(), nil
}

// Delete removes the task
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

// ListByOwner returns the owner's tasks, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tasks []*Task
	for _, t := range s.tasks {
		if t.Owner == owner {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Created.After(tasks[j].Created) })
	return tasks, nil
}

// ListExpired returns tasks whose expiration is at or before now
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tasks []*Task
	for _, t := range s.tasks {
		if t.ExpireOn != nil && !t.ExpireOn.After(now) {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ExpireOn.Before(*tasks[j].ExpireOn) })
	return tasks, nil
}

// ListByStatus returns tasks in any of the given states, oldest first
func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tasks []*Task
	for _, t := range s.tasks {
		if slices.Contains(statuses, t.Status) {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Created.Before(tasks[j].Created) })
	return tasks, nil
}

// Len returns the number of stored tasks
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.tasks)
}
