package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phrazzld/gonk/internal/beat"
	"github.com/phrazzld/gonk/internal/platform/postgres"
	"github.com/phrazzld/gonk/internal/task"
)

func newScheduleCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage persisted recurring schedules",
		Long: `Schedule manages the recurring schedules stored in the database.

A persisted schedule overrides a built-in schedule of the same name and a
disabled one switches it off. Running beat processes pick up changes the next
time they start.`,
	}
	cmd.AddCommand(
		newScheduleAddCmd(root),
		newScheduleListCmd(root),
		newScheduleRemoveCmd(root),
	)
	return cmd
}

func newScheduleAddCmd(root *rootOptions) *cobra.Command {
	var rawArgs string
	var disabled bool

	cmd := &cobra.Command{
		Use:     "add <name> <task-type> <cron-spec>",
		Short:   "Persist a recurring schedule",
		Example: `  gonk schedule add nightly-add add "0 3 * * *" --args '{"x": 1, "y": 2}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskArgs, err := decodeDocument([]byte(rawArgs))
			if err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}

			registry, err := newRegistry()
			if err != nil {
				return err
			}

			_, log, db, err := root.openDatabase(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return addSchedule(cmd.Context(), postgres.NewPostgresScheduleStore(db, log), registry, &beat.Schedule{
				Name:     args[0],
				TaskType: args[1],
				Spec:     args[2],
				Args:     taskArgs,
				Enabled:  !disabled,
			})
		},
	}

	cmd.Flags().StringVar(&rawArgs, "args", "", "Task input for every run as a JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Store the schedule switched off")
	return cmd
}

// addSchedule checks the task type and cron spec before persisting s.
func addSchedule(ctx context.Context, schedules beat.ScheduleStore, registry *task.Registry, s *beat.Schedule) error {
	if _, err := registry.Resolve(s.TaskType); err != nil {
		return err
	}
	if err := beat.ValidateSpec(s.Spec); err != nil {
		return err
	}
	if err := schedules.Create(ctx, s); err != nil {
		return fmt.Errorf("failed to add schedule %s: %w", s.Name, err)
	}
	return nil
}

func newScheduleListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted recurring schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, db, err := root.openDatabase(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			schedules, err := postgres.NewPostgresScheduleStore(db, log).List(cmd.Context())
			if err != nil {
				return err
			}
			return printSchedules(cmd.OutOrStdout(), schedules)
		},
	}
}

// printSchedules writes one line per schedule.
func printSchedules(w io.Writer, schedules []*beat.Schedule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTASK TYPE\tSCHEDULE\tENABLED\tMODIFIED")
	for _, s := range schedules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			s.Name, s.TaskType, s.Spec, s.Enabled, s.Modified.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func newScheduleRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a persisted recurring schedule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, db, err := root.openDatabase(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.NewPostgresScheduleStore(db, log).Delete(cmd.Context(), args[0])
		},
	}
}
