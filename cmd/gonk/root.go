package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/phrazzld/gonk/internal/config"
	"github.com/phrazzld/gonk/internal/platform/logger"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gonk",
		Short: "Background task execution and scheduling",
		Long: `gonk runs background tasks on a work queue.

Tasks are created through the HTTP API or the create-task command, executed
by worker processes and can be scheduled to recur with cron specs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML config file (default ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newBeatCmd(opts),
		newCreateTaskCmd(opts),
		newListTaskRunnersCmd(),
		newMigrateCmd(opts),
		newScheduleCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// load reads the configuration and sets up the application logger. Logs go
// to logOutput so command output on stdout stays parseable.
func (o *rootOptions) load(logOutput io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadWithOptions(config.Options{
		ConfigFile: o.configFile,
		EnvFile:    o.envFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(logger.LoggerConfig{
		Level:  cfg.Server.LogLevel,
		Output: logOutput,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Debug("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_enabled", cfg.Redis.URL != "",
		"mercure_enabled", cfg.Mercure.HubURL != "")
	return cfg, l, nil
}
