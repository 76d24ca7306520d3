package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/gonk/internal/task"
)

// WorkerPool manages a pool of worker goroutines that pull due jobs from a
// Source and run them through a Handler. On shutdown it drains running jobs,
// and it interrupts jobs the broker asks it to terminate.
type WorkerPool struct {
	// source delivers the jobs to be processed
	source Source

	// handler executes each job
	handler Handler

	// queues is the set of queue names the workers consume
	queues []string

	// workerCount is the number of concurrent workers to start
	workerCount int

	// pollBackoff is how long a worker waits after a failed dequeue
	pollBackoff time.Duration

	// drainTimeout is how long Stop lets running jobs finish before it
	// interrupts them
	drainTimeout time.Duration

	// workers tracks the worker goroutines, monitor the termination listener
	workers sync.WaitGroup
	monitor sync.WaitGroup

	// ctx stops polling for new jobs
	ctx    context.Context
	cancel context.CancelFunc

	// jobCtx is the parent of every job execution; it outlives ctx so that
	// running jobs can drain on shutdown
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	// running maps job ids to the cancel function of their execution
	running   map[string]context.CancelFunc
	runningMu sync.Mutex

	logger  *slog.Logger
	metrics *Metrics

	// errorHandler is called when a job execution fails
	// If nil, errors are only logged
	errorHandler func(job task.Job, err error)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// Queues lists the queues to consume. Defaults to task.DefaultQueue.
	Queues []string

	// PollBackoff is the pause after a dequeue error. Defaults to one second.
	PollBackoff time.Duration

	// DrainTimeout bounds how long Stop waits for running jobs before
	// canceling their contexts. Defaults to 25 seconds.
	DrainTimeout time.Duration
}

const defaultDrainTimeout = 25 * time.Second

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(source Source, handler Handler, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	logger = logger.With("component", "worker_pool")

	// Apply defaults for invalid config values
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}
	queues := config.Queues
	if len(queues) == 0 {
		queues = []string{task.DefaultQueue}
	}
	backoff := config.PollBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	drain := config.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	return &WorkerPool{
		source:       source,
		handler:      handler,
		queues:       queues,
		workerCount:  workerCount,
		pollBackoff:  backoff,
		drainTimeout: drain,
		ctx:          ctx,
		cancel:       cancel,
		jobCtx:       jobCtx,
		cancelJobs:   cancelJobs,
		running:      make(map[string]context.CancelFunc),
		logger:       logger,
	}
}

// SetErrorHandler allows setting a custom error handler for job execution failures
func (p *WorkerPool) SetErrorHandler(handler func(job task.Job, err error)) {
	p.errorHandler = handler
}

// SetMetrics records job durations on m.
func (p *WorkerPool) SetMetrics(m *Metrics) {
	p.metrics = m
}

// Start launches the worker goroutines and the termination listener
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool",
		"worker_count", p.workerCount,
		"queues", p.queues)

	terminations := p.source.Terminations(p.jobCtx)
	p.monitor.Add(1)
	go p.terminationMonitor(terminations)

	for i := 0; i < p.workerCount; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
}

// Stop stops polling and waits for running jobs to finish. Jobs still
// running after the drain timeout have their contexts canceled.
func (p *WorkerPool) Stop() {
	p.logger.Info("stopping worker pool", "drain_timeout", p.drainTimeout)
	p.cancel()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		p.logger.Warn("drain timeout elapsed, interrupting running jobs", "in_flight", p.inFlight())
		p.cancelJobs()
		<-drained
	}

	p.cancelJobs()
	p.monitor.Wait()
	p.logger.Info("worker pool stopped")
}

// worker pulls and processes jobs until the pool is stopped
func (p *WorkerPool) worker(id int) {
	defer p.workers.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		job, err := p.source.Dequeue(p.ctx, p.queues)
		if err != nil {
			if p.ctx.Err() != nil {
				logger.Debug("stopping worker")
				return
			}
			if errors.Is(err, ErrQueueClosed) {
				logger.Debug("job queue closed, stopping worker")
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.pollBackoff):
			}
			continue
		}

		p.processJob(job, logger)
	}
}

// processJob handles execution of a single job
func (p *WorkerPool) processJob(job task.Job, logger *slog.Logger) {
	logger = logger.With(
		"job_id", job.ID,
		"job_kind", job.Kind,
		"task_id", job.TaskID,
	)

	ctx, cancel := context.WithCancel(p.jobCtx)
	p.track(job.ID, cancel)
	defer func() {
		p.untrack(job.ID)
		cancel()
	}()

	logger.Info("processing job")
	started := time.Now()

	err := p.run(ctx, job)
	p.metrics.observe(job.Kind, err, time.Since(started))

	if err != nil {
		logger.Error("job execution failed", "error", err)
		if p.errorHandler != nil {
			p.errorHandler(job, err)
		}
		return
	}
	logger.Info("job completed", "duration", time.Since(started))
}

// run invokes the handler, converting a panic into an error
func (p *WorkerPool) run(ctx context.Context, job task.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// terminationMonitor cancels running jobs the broker asks to terminate
func (p *WorkerPool) terminationMonitor(terminations <-chan string) {
	defer p.monitor.Done()

	for {
		select {
		case <-p.jobCtx.Done():
			return
		case id, ok := <-terminations:
			if !ok {
				return
			}
			p.runningMu.Lock()
			cancel, found := p.running[id]
			p.runningMu.Unlock()
			if found {
				p.logger.Info("terminating job", "job_id", id)
				cancel()
			}
		}
	}
}

func (p *WorkerPool) track(id string, cancel context.CancelFunc) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	p.running[id] = cancel
	p.metrics.setInFlight(len(p.running))
}

func (p *WorkerPool) inFlight() int {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	return len(p.running)
}

func (p *WorkerPool) untrack(id string) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	delete(p.running, id)
	p.metrics.setInFlight(len(p.running))
}
