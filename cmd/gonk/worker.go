package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// errRedisRequired is returned by commands that hand jobs to other processes.
var errRedisRequired = errors.New("redis.url must be set: without it jobs never leave this process")

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var withBeat bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		Long: `Worker consumes jobs from the Redis work queue and executes them.

Queues and concurrency come from worker.queues and worker.concurrency. With
--beat (or beat.enabled) the recurring schedule publisher runs in the same
process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Redis.URL == "" {
				return errRedisRequired
			}

			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer app.cleanup()

			pool, err := app.startWorkers(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Stop()

			g, ctx := errgroup.WithContext(cmd.Context())
			if withBeat || cfg.Beat.Enabled {
				publisher, err := app.newPublisher()
				if err != nil {
					return err
				}
				g.Go(func() error { return publisher.Run(ctx) })
			}
			if metricsAddr != "" {
				g.Go(func() error {
					return app.serveMetrics(ctx, metricsAddr)
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				log.Info("worker shutting down")
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&withBeat, "beat", false, "Also run the recurring schedule publisher")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func newBeatCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Run the recurring schedule publisher",
		Long: `Beat publishes a job every time a registered or persisted schedule fires,
plus the periodic cleanup sweep. Run exactly one beat per deployment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Redis.URL == "" {
				return errRedisRequired
			}

			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer app.cleanup()

			publisher, err := app.newPublisher()
			if err != nil {
				return err
			}
			return publisher.Run(cmd.Context())
		},
	}
}

// serveMetrics exposes the application's Prometheus registry on addr until
// ctx is done.
func (app *application) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.metrics, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	app.logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
