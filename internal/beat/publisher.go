// Package beat publishes recurring jobs onto the work queue on cron
// schedules. It never executes tasks itself: every firing enqueues a job that
// a worker turns into a new task.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phrazzld/gonk/internal/task"
)

// CleanupEntry names the built-in entry that triggers the expiration sweeper.
const CleanupEntry = "gonk.cleanup"

// Entry describes one installed schedule.
type Entry struct {
	Name     string
	TaskType string
	Spec     string
	Args     task.Document
	Next     time.Time
}

type scheduled struct {
	entry Entry
	kind  task.JobKind
}

// Publisher enqueues a job every time one of its schedules fires.
type Publisher struct {
	broker    task.Broker
	registry  *task.Registry
	schedules ScheduleStore
	cron      *cron.Cron
	parser    cron.Parser
	location  *time.Location
	cleanup   string
	queue     string
	logger    *slog.Logger

	mu        sync.RWMutex
	entries   map[string]cron.EntryID
	installed map[string]scheduled
	rootCtx   context.Context
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPublisher creates a publisher for the recurring entries of registry.
func NewPublisher(broker task.Broker, registry *task.Registry, opts ...Option) *Publisher {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	cronEngine := options.Cron
	if cronEngine == nil {
		cronEngine = cron.New(cron.WithLocation(location))
	}
	var zeroParser cron.Parser
	parser := options.Parser
	if parser == zeroParser {
		parser = specParser
	}

	return &Publisher{
		broker:    broker,
		registry:  registry,
		schedules: options.Schedules,
		cron:      cronEngine,
		parser:    parser,
		location:  location,
		cleanup:   options.CleanupSchedule,
		queue:     options.Queue,
		logger:    options.Logger.With("component", "beat"),
		entries:   make(map[string]cron.EntryID),
		installed: make(map[string]scheduled),
	}
}

// Run installs every schedule and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	var loadErr error
	p.startOnce.Do(func() {
		p.mu.Lock()
		p.rootCtx = ctx
		p.mu.Unlock()

		if loadErr = p.Reload(ctx); loadErr != nil {
			return
		}
		p.cron.Start()
		p.logger.InfoContext(ctx, "beat started", "entries", len(p.Entries()))
	})
	if loadErr != nil {
		return loadErr
	}

	<-ctx.Done()
	p.stop()
	return nil
}

func (p *Publisher) stop() {
	p.stopOnce.Do(func() {
		ctx := p.cron.Stop()
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			p.logger.Warn("timed out waiting for beat jobs to finish")
		}
	})
}

// Reload replaces the installed schedules with the current registry beats and
// persisted schedules. A persisted schedule overrides a registry beat of the
// same name, and a disabled one removes it. Invalid schedules are logged and
// skipped.
func (p *Publisher) Reload(ctx context.Context) error {
	desired, err := p.desired(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for name, id := range p.entries {
		p.cron.Remove(id)
		delete(p.entries, name)
		delete(p.installed, name)
	}

	for _, s := range desired {
		if err := p.addLocked(s); err != nil {
			p.logger.ErrorContext(ctx, "failed to install schedule",
				"name", s.entry.Name,
				"schedule", s.entry.Spec,
				"error", err)
		}
	}
	return nil
}

func (p *Publisher) desired(ctx context.Context) ([]scheduled, error) {
	byName := make(map[string]scheduled)

	if p.cleanup != "" {
		byName[CleanupEntry] = scheduled{
			entry: Entry{Name: CleanupEntry, Spec: p.cleanup},
			kind:  task.KindCleanup,
		}
	}

	if p.registry != nil {
		for _, e := range p.registry.Beats() {
			byName[e.Name] = scheduled{
				entry: Entry{Name: e.Name, TaskType: e.Name, Spec: e.Schedule, Args: e.Args},
				kind:  task.KindRunSchedule,
			}
		}
	}

	if p.schedules != nil {
		rows, err := p.schedules.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		for _, row := range rows {
			if !row.Enabled {
				delete(byName, row.Name)
				continue
			}
			byName[row.Name] = scheduled{
				entry: Entry{Name: row.Name, TaskType: row.TaskType, Spec: row.Spec, Args: row.Args},
				kind:  task.KindRunSchedule,
			}
		}
	}

	out := make([]scheduled, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry.Name < out[j].entry.Name })
	return out, nil
}

func (p *Publisher) addLocked(s scheduled) error {
	schedule, err := p.parser.Parse(s.entry.Spec)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidSchedule, err)
	}

	name := s.entry.Name
	p.entries[name] = p.cron.Schedule(schedule, cron.FuncJob(func() {
		p.fire(name)
	}))
	p.installed[name] = s
	return nil
}

func (p *Publisher) fire(name string) {
	p.mu.RLock()
	ctx := p.rootCtx
	p.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("beat entry panicked", "name", name, "panic", r)
		}
	}()

	if _, err := p.Publish(ctx, name); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish scheduled job", "name", name, "error", err)
	}
}

// Publish enqueues the job for the named entry immediately and returns the
// id of the queued job.
func (p *Publisher) Publish(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	s, ok := p.installed[name]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("schedule %q is not installed", name)
	}

	job := task.Job{
		Kind:     s.kind,
		Queue:    p.queue,
		TaskType: s.entry.TaskType,
		Args:     s.entry.Args.Clone(),
	}
	id, err := p.broker.Enqueue(ctx, job, time.Time{})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", s.kind, err)
	}

	p.logger.InfoContext(ctx, "published scheduled job",
		"name", name,
		"job_id", id,
		"job_kind", s.kind,
		"task_type", s.entry.TaskType)
	return id, nil
}

// Entries returns the installed schedules sorted by name, with their next
// firing time once the publisher is running.
func (p *Publisher) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.installed))
	for name, s := range p.installed {
		e := s.entry
		e.Args = e.Args.Clone()
		if ce := p.cron.Entry(p.entries[name]); ce.ID != 0 && !ce.Next.IsZero() {
			e.Next = ce.Next.In(p.location)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
