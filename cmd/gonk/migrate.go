package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/phrazzld/gonk/internal/config"
	"github.com/phrazzld/gonk/internal/platform/postgres"
)

// migrateCommands lists the goose commands the migrate command accepts.
var migrateCommands = []string{"up", "down", "status", "version"}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Apply or inspect database migrations",
		Long:      `Migrate runs the embedded schema migrations. The default command is up.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrateCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			_, log, db, err := root.openDatabase(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(cmd.Context(), db, command, log)
		},
	}
}

// openDatabase loads the configuration and connects to the database, for
// commands that need nothing else.
func (o *rootOptions) openDatabase(ctx context.Context, logOutput io.Writer) (*config.Config, *slog.Logger, *sql.DB, error) {
	cfg, log, err := o.load(logOutput)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := postgres.Open(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, db, nil
}
