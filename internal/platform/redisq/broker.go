// Package redisq implements the work queue on Redis. Each queue is a sorted
// set of job ids scored by eta in unix milliseconds; job bodies live in a
// hash and termination requests travel over pub/sub.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/gonk/internal/queue"
	"github.com/phrazzld/gonk/internal/task"
)

// DefaultPrefix namespaces every key the broker writes.
const DefaultPrefix = "gonk"

// Config holds the broker settings.
type Config struct {
	// Prefix namespaces the Redis keys. Defaults to DefaultPrefix.
	Prefix string

	// PollInterval bounds how long Dequeue sleeps between scans when no job
	// is due. Defaults to one second.
	PollInterval time.Duration
}

// Broker implements task.Broker and queue.Source on top of Redis.
type Broker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	logger       *slog.Logger
	clock        func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Ensure Broker implements the producer and consumer interfaces
var (
	_ task.Broker  = (*Broker)(nil)
	_ queue.Source = (*Broker)(nil)
)

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewBroker creates a broker on client. The broker owns the client and
// closes it on Close.
func NewBroker(client *redis.Client, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Broker{
		client:       client,
		prefix:       cfg.Prefix,
		pollInterval: cfg.PollInterval,
		logger:       logger.With("component", "redis_broker"),
		clock:        time.Now,
		closed:       make(chan struct{}),
	}
}

func (b *Broker) queueKey(name string) string {
	return b.prefix + ":queue:" + name
}

func (b *Broker) jobsKey() string {
	return b.prefix + ":jobs"
}

func (b *Broker) terminateChannel() string {
	return b.prefix + ":terminate"
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the job body and schedules its id at eta.
func (b *Broker) Enqueue(ctx context.Context, job task.Job, eta time.Time) (string, error) {
	if b.isClosed() {
		return "", queue.ErrQueueClosed
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
	job.ETA = eta.UTC()

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobsKey(), job.ID, body)
		pipe.ZAdd(ctx, b.queueKey(job.Queue), redis.Z{Score: score(eta), Member: job.ID})
		return nil
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to enqueue job", "job_id", job.ID, "error", err)
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.DebugContext(ctx, "job enqueued",
		"job_id", job.ID,
		"job_kind", job.Kind,
		"queue", job.Queue,
		"eta", job.ETA)
	return job.ID, nil
}

// Revoke removes a pending job. With terminate set, the id is also
// published so workers currently running it cancel its context.
func (b *Broker) Revoke(ctx context.Context, jobID string, terminate bool) error {
	body, err := b.client.HGet(ctx, b.jobsKey(), jobID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Already delivered or never queued.
	case err != nil:
		return fmt.Errorf("failed to look up job %s: %w", jobID, err)
	default:
		var job task.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("failed to decode job %s: %w", jobID, err)
		}
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, b.queueKey(job.Queue), jobID)
			pipe.HDel(ctx, b.jobsKey(), jobID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to revoke job %s: %w", jobID, err)
		}
		b.logger.DebugContext(ctx, "job revoked", "job_id", jobID, "queue", job.Queue)
	}

	if terminate {
		if err := b.client.Publish(ctx, b.terminateChannel(), jobID).Err(); err != nil {
			return fmt.Errorf("failed to publish termination for %s: %w", jobID, err)
		}
	}
	return nil
}

// Dequeue polls the named queues until a job is due. A job is claimed by
// whichever consumer removes its id from the sorted set first; the removal
// and the read of its body run in one transaction. Delivery is at most once:
// a job claimed by a worker that dies before finishing it is not redelivered.
func (b *Broker) Dequeue(ctx context.Context, queues []string) (task.Job, error) {
	for {
		if b.isClosed() {
			return task.Job{}, queue.ErrQueueClosed
		}

		job, ok, err := b.claim(ctx, queues)
		if err != nil {
			if b.isClosed() {
				return task.Job{}, queue.ErrQueueClosed
			}
			return task.Job{}, err
		}
		if ok {
			return job, nil
		}

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return task.Job{}, ctx.Err()
		case <-b.closed:
			timer.Stop()
			return task.Job{}, queue.ErrQueueClosed
		case <-timer.C:
		}
	}
}

func (b *Broker) claim(ctx context.Context, queues []string) (task.Job, bool, error) {
	due := strconv.FormatInt(b.clock().UnixMilli(), 10)

	for _, name := range queues {
		key := b.queueKey(name)
		ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   due,
			Count: 1,
		}).Result()
		if err != nil {
			return task.Job{}, false, fmt.Errorf("failed to scan queue %s: %w", name, err)
		}
		if len(ids) == 0 {
			continue
		}

		id := ids[0]
		var (
			removed *redis.IntCmd
			loaded  *redis.StringCmd
		)
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.ZRem(ctx, key, id)
			loaded = pipe.HGet(ctx, b.jobsKey(), id)
			pipe.HDel(ctx, b.jobsKey(), id)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return task.Job{}, false, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if removed.Val() == 0 {
			// Another consumer won the race.
			continue
		}

		body, err := loaded.Bytes()
		if errors.Is(err, redis.Nil) {
			b.logger.WarnContext(ctx, "claimed job has no body", "job_id", id, "queue", name)
			continue
		}
		if err != nil {
			return task.Job{}, false, fmt.Errorf("failed to load job %s: %w", id, err)
		}

		var job task.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return task.Job{}, false, fmt.Errorf("failed to decode job %s: %w", id, err)
		}
		return job, true, nil
	}
	return task.Job{}, false, nil
}

// Terminations subscribes to termination requests. The subscription is
// established before it returns.
func (b *Broker) Terminations(ctx context.Context) <-chan string {
	out := make(chan string)
	sub := b.client.Subscribe(ctx, b.terminateChannel())
	if _, err := sub.Receive(ctx); err != nil {
		b.logger.ErrorContext(ctx, "failed to subscribe to terminations", "error", err)
		_ = sub.Close()
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the number of jobs waiting on the named queue.
func (b *Broker) Len(ctx context.Context, name string) (int64, error) {
	return b.client.ZCard(ctx, b.queueKey(name)).Result()
}

// Close stops every blocked Dequeue and closes the Redis client.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
		b.logger.Info("redis broker closed")
	})
	return err
}
