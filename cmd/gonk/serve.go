package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/gonk/internal/api"
	"github.com/phrazzld/gonk/internal/service/auth"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var withWorker, withBeat bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task HTTP API",
		Long: `Serve runs the task HTTP API.

Without a redis url jobs only live in this process, so the worker pool always
runs alongside the API. With --beat (or beat.enabled) the recurring schedule
publisher runs here too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			jwtService, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer app.cleanup()

			if app.inProcessQueue() && !withWorker {
				log.Info("no redis url configured, running workers in process")
				withWorker = true
			}
			if withWorker {
				pool, err := app.startWorkers(cmd.Context())
				if err != nil {
					return err
				}
				defer pool.Stop()
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			if withBeat || cfg.Beat.Enabled {
				publisher, err := app.newPublisher()
				if err != nil {
					return err
				}
				g.Go(func() error { return publisher.Run(ctx) })
			}
			g.Go(func() error {
				return app.startHTTPServer(ctx, api.NewRouter(app.routerConfig(jwtService)))
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&withWorker, "worker", false, "Also run the worker pool in this process")
	cmd.Flags().BoolVar(&withBeat, "beat", false, "Also run the recurring schedule publisher in this process")
	return cmd
}
