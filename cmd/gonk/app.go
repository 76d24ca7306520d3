package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/gonk/internal/api"
	"github.com/phrazzld/gonk/internal/beat"
	"github.com/phrazzld/gonk/internal/config"
	"github.com/phrazzld/gonk/internal/platform/mercure"
	"github.com/phrazzld/gonk/internal/platform/postgres"
	"github.com/phrazzld/gonk/internal/platform/redisq"
	"github.com/phrazzld/gonk/internal/queue"
	"github.com/phrazzld/gonk/internal/runners"
	"github.com/phrazzld/gonk/internal/service/auth"
	"github.com/phrazzld/gonk/internal/task"
)

// application holds the shared dependencies of the long-running commands and
// releases them on cleanup.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	registry  *task.Registry
	tasks     *task.Service
	schedules beat.ScheduleStore

	// broker and source are the same value: the Redis broker when
	// redis.url is set, the in-process broker otherwise
	broker      task.Broker
	source      queue.Source
	redis       *redis.Client
	closeBroker func() error

	notifier     *mercure.Notifier
	metrics      *prometheus.Registry
	queueMetrics *queue.Metrics
}

// newRegistry builds the task registry with the built-in runners.
func newRegistry(notifiers ...task.NotifyStrategy) (*task.Registry, error) {
	registry := task.NewRegistry()
	if err := runners.RegisterAll(registry, notifiers...); err != nil {
		return nil, fmt.Errorf("failed to register task runners: %w", err)
	}
	return registry, nil
}

// newApplication connects to the database and the work queue and builds the
// task service on top of them.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{
		config:  cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			app.cleanup()
			app = nil
		}
	}()

	app.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.db, err = postgres.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return app, err
	}

	var notifiers []task.NotifyStrategy
	if cfg.Mercure.HubURL != "" {
		publisher := mercure.NewPublisher(cfg.Mercure.HubURL, cfg.Mercure.JWTKey, nil, logger)
		app.notifier = mercure.NewNotifier(publisher, cfg.Mercure.DefaultAudience, logger)
		notifiers = append(notifiers, app.notifier)
		logger.Info("mercure notifications enabled", "hub_url", cfg.Mercure.HubURL)
	}

	app.registry, err = newRegistry(notifiers...)
	if err != nil {
		return app, err
	}

	if err = app.setupBroker(ctx); err != nil {
		return app, err
	}

	app.tasks = task.NewService(
		postgres.NewPostgresTaskStore(app.db, logger),
		app.broker,
		app.registry,
		logger,
		task.WithMetrics(task.NewMetrics(app.metrics)),
	)
	app.queueMetrics = queue.NewMetrics(app.metrics)
	app.schedules = postgres.NewPostgresScheduleStore(app.db, logger)

	logger.Info("application initialized",
		"task_types", len(app.registry.Names()),
		"in_process_queue", app.inProcessQueue())
	return app, nil
}

func (app *application) setupBroker(ctx context.Context) error {
	if app.config.Redis.URL == "" {
		broker := queue.NewMemoryBroker(0, app.logger)
		app.broker = broker
		app.source = broker
		app.closeBroker = func() error {
			broker.Close()
			return nil
		}
		return nil
	}

	client, err := redisq.NewClient(ctx, app.config.Redis.URL)
	if err != nil {
		return err
	}
	broker := redisq.NewBroker(client, redisq.Config{
		Prefix:       app.config.Redis.Prefix,
		PollInterval: app.config.Worker.PollInterval,
	}, app.logger)

	app.redis = client
	app.broker = broker
	app.source = broker
	app.closeBroker = broker.Close
	return nil
}

// inProcessQueue reports whether jobs only live in this process.
func (app *application) inProcessQueue() bool {
	return app.config.Redis.URL == ""
}

// startWorkers starts a worker pool consuming the configured queues. With
// the in-process queue, jobs of unfinished tasks died with the previous
// process, so they are re-dispatched first.
func (app *application) startWorkers(ctx context.Context) (*queue.WorkerPool, error) {
	if app.inProcessQueue() {
		if _, err := app.tasks.Recover(ctx); err != nil {
			return nil, fmt.Errorf("failed to recover unfinished tasks: %w", err)
		}
	}

	pool := queue.NewWorkerPool(app.source, app.tasks.Execute, queue.WorkerPoolConfig{
		WorkerCount:  app.config.Worker.Concurrency,
		Queues:       app.config.Worker.Queues,
		PollBackoff:  app.config.Worker.PollInterval,
		DrainTimeout: app.config.Worker.DrainTimeout,
	}, app.logger)
	pool.SetMetrics(app.queueMetrics)
	pool.Start()
	return pool, nil
}

// newPublisher builds the recurring schedule publisher.
func (app *application) newPublisher() (*beat.Publisher, error) {
	location, err := time.LoadLocation(app.config.Beat.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to load beat location %q: %w", app.config.Beat.Location, err)
	}
	return beat.NewPublisher(app.broker, app.registry,
		beat.WithLogger(app.logger),
		beat.WithScheduleStore(app.schedules),
		beat.WithLocation(location),
		beat.WithCleanupSchedule(app.config.Beat.CleanupSchedule),
	), nil
}

// healthChecks returns the dependency probes reported by /health.
func (app *application) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": app.db.PingContext,
	}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// routerConfig wires the HTTP API to the application's dependencies.
func (app *application) routerConfig(jwtService auth.JWTService) api.RouterConfig {
	return api.RouterConfig{
		Tasks:        app.tasks,
		Registry:     app.registry,
		JWTService:   jwtService,
		Logger:       app.logger,
		Gatherer:     app.metrics,
		Registerer:   app.metrics,
		HealthChecks: app.healthChecks(),
	}
}

// cleanup releases every resource the application opened. It is safe to
// call on a partially initialized application.
func (app *application) cleanup() {
	if app.notifier != nil {
		app.notifier.Wait()
	}

	if app.closeBroker != nil {
		if err := app.closeBroker(); err != nil && !errors.Is(err, redis.ErrClosed) {
			app.logger.Error("error closing work queue", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
