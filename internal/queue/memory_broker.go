package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/gonk/internal/task"
)

// MemoryBroker is an in-process broker holding delayed jobs in per-queue
// heaps ordered by eta. It implements both task.Broker and Source.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*jobHeap
	revoked  map[string]struct{}
	changed  chan struct{}
	capacity int
	size     int
	seq      uint64
	closed   bool

	terminations chan string
	logger       *slog.Logger
	clock        func() time.Time
}

// NewMemoryBroker creates a broker holding at most capacity pending jobs.
// A capacity of zero or less means unbounded.
func NewMemoryBroker(capacity int, logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		queues:       make(map[string]*jobHeap),
		revoked:      make(map[string]struct{}),
		changed:      make(chan struct{}),
		capacity:     capacity,
		terminations: make(chan string, 64),
		logger:       logger.With("component", "memory_broker"),
		clock:        time.Now,
	}
}

// Enqueue adds a job that becomes due at eta.
// Returns an error if the broker is full or closed.
func (b *MemoryBroker) Enqueue(ctx context.Context, job task.Job, eta time.Time) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrQueueClosed
	}
	if b.capacity > 0 && b.size >= b.capacity {
		return "", fmt.Errorf("%w: capacity %d reached", ErrQueueFull, b.capacity)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Queue == "" {
		job.Queue = task.DefaultQueue
	}
	if eta.IsZero() {
		eta = b.clock()
	}
	job.ETA = eta

	q, ok := b.queues[job.Queue]
	if !ok {
		q = &jobHeap{}
		b.queues[job.Queue] = q
	}
	b.seq++
	heap.Push(q, &queuedJob{job: job, seq: b.seq})
	b.size++
	b.broadcast()

	b.logger.Debug("job enqueued",
		"job_id", job.ID,
		"job_kind", job.Kind,
		"queue", job.Queue,
		"eta", eta,
		"queue_len", b.size)
	return job.ID, nil
}

// Revoke discards a pending job. With terminate set, workers running the
// job are signalled to interrupt it.
func (b *MemoryBroker) Revoke(ctx context.Context, jobID string, terminate bool) error {
	b.mu.Lock()
	if b.pending(jobID) {
		b.revoked[jobID] = struct{}{}
	}
	closed := b.closed
	b.mu.Unlock()

	if terminate && !closed {
		select {
		case b.terminations <- jobID:
		default:
			b.logger.Warn("termination signal dropped", "job_id", jobID)
		}
	}
	return nil
}

// pending reports whether jobID is still queued. Callers must hold b.mu.
func (b *MemoryBroker) pending(jobID string) bool {
	for _, q := range b.queues {
		for _, item := range *q {
			if item.job.ID == jobID {
				return true
			}
		}
	}
	return false
}

// Dequeue blocks until a job on one of queues is due.
func (b *MemoryBroker) Dequeue(ctx context.Context, queues []string) (task.Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return task.Job{}, ErrQueueClosed
		}

		job, ok, next := b.popDue(queues)
		changed := b.changed
		b.mu.Unlock()

		if ok {
			return job, nil
		}

		var (
			timer *time.Timer
			wake  <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(b.clock()))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return task.Job{}, ctx.Err()
		case <-changed:
		case <-wake:
		}
		stopTimer(timer)
	}
}

// popDue removes and returns the earliest due job across queues. When none
// is due it returns the earliest future eta. Revoked jobs are dropped.
// Callers must hold b.mu.
func (b *MemoryBroker) popDue(queues []string) (task.Job, bool, time.Time) {
	now := b.clock()
	var (
		best *jobHeap
		next time.Time
	)
	for _, name := range queues {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		for q.Len() > 0 {
			head := (*q)[0]
			if _, revoked := b.revoked[head.job.ID]; !revoked {
				break
			}
			heap.Pop(q)
			b.size--
			delete(b.revoked, head.job.ID)
		}
		if q.Len() == 0 {
			continue
		}
		head := (*q)[0]
		if head.job.ETA.After(now) {
			if next.IsZero() || head.job.ETA.Before(next) {
				next = head.job.ETA
			}
			continue
		}
		if best == nil || before(head, (*best)[0]) {
			best = q
		}
	}

	if best == nil {
		return task.Job{}, false, next
	}
	item := heap.Pop(best).(*queuedJob)
	b.size--
	return item.job, true, time.Time{}
}

// Terminations returns the channel of job ids to interrupt.
func (b *MemoryBroker) Terminations(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-b.terminations:
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the number of pending jobs.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close closes the broker, preventing further job submission and waking
// every blocked Dequeue.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
		b.logger.Info("job queue closed")
	}
}

// broadcast wakes every waiting Dequeue. Callers must hold b.mu.
func (b *MemoryBroker) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type queuedJob struct {
	job task.Job
	seq uint64
}

// jobHeap orders jobs by eta, then by insertion order.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return before(h[i], h[j]) }

// before reports whether a should be delivered before b.
func before(a, b *queuedJob) bool {
	if !a.job.ETA.Equal(b.job.ETA) {
		return a.job.ETA.Before(b.job.ETA)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
