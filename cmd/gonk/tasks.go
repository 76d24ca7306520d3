package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phrazzld/gonk/internal/task"
)

// createTaskOptions holds the create-task flags.
type createTaskOptions struct {
	rawInput   string
	inputFile  string
	queue      string
	when       string
	owner      string
	retryable  bool
	maxRetries int
	retryDelay time.Duration
}

func newCreateTaskCmd(root *rootOptions) *cobra.Command {
	opts := &createTaskOptions{}

	cmd := &cobra.Command{
		Use:   "create-task <task-type>",
		Short: "Create a task and dispatch it to the work queue",
		Long: `Create-task creates a task of the given type and hands it to the workers.

The input is a JSON object given inline with --raw-input or read from a file
with --input (use - for stdin). --when delays the first execution until an
RFC 3339 timestamp.`,
		Example: `  gonk create-task add --raw-input '{"x": 1, "y": 2}'
  gonk create-task sleep --input payload.json --when 2030-01-02T15:04:05Z
  echo '{"x": 3, "y": 4}' | gonk create-task add --input -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

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

			t, err := app.tasks.CreateTask(cmd.Context(), req)
			if err != nil {
				if t != nil {
					return fmt.Errorf("task %s was saved but not dispatched: %w", t.ID, err)
				}
				return fmt.Errorf("failed to create task: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Status, t.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.rawInput, "raw-input", "", "Task input as a JSON object")
	cmd.Flags().StringVar(&opts.inputFile, "input", "", "File holding the task input as a JSON object, - for stdin")
	cmd.Flags().StringVar(&opts.queue, "queue", task.DefaultQueue, "Queue the task is dispatched to")
	cmd.Flags().StringVar(&opts.when, "when", "", "Earliest execution time (RFC 3339)")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner the task is created for")
	cmd.Flags().BoolVar(&opts.retryable, "retryable", false, "Retry the task when it fails")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Retries allowed for a retryable task")
	cmd.Flags().DurationVar(&opts.retryDelay, "retry-delay", 0, "Delay before each retry")
	cmd.MarkFlagsMutuallyExclusive("raw-input", "input")
	return cmd
}

// request turns the flags into a task.CreateRequest.
func (o *createTaskOptions) request(taskType string, stdin io.Reader) (task.CreateRequest, error) {
	input, err := readTaskInput(o.rawInput, o.inputFile, stdin)
	if err != nil {
		return task.CreateRequest{}, err
	}
	if o.maxRetries < 0 {
		return task.CreateRequest{}, errors.New("--max-retries must not be negative")
	}

	req := task.CreateRequest{
		Type:       taskType,
		Input:      input,
		Owner:      o.owner,
		Queue:      o.queue,
		Retryable:  o.retryable,
		MaxRetries: o.maxRetries,
		RetryDelay: o.retryDelay,
	}
	if o.when != "" {
		req.ETA, err = time.Parse(time.RFC3339, o.when)
		if err != nil {
			return task.CreateRequest{}, fmt.Errorf("invalid --when %q: expected RFC 3339", o.when)
		}
	}
	return req, nil
}

// readTaskInput decodes the task input from raw or from file. An empty
// document is returned when neither is given.
func readTaskInput(raw, file string, stdin io.Reader) (task.Document, error) {
	var data []byte
	switch {
	case raw != "":
		data = []byte(raw)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read input from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		data = b
	default:
		return task.Document{}, nil
	}
	return decodeDocument(data)
}

// decodeDocument parses data as a JSON object.
func decodeDocument(data []byte) (task.Document, error) {
	if strings.TrimSpace(string(data)) == "" {
		return task.Document{}, nil
	}
	var doc task.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if doc == nil {
		return nil, errors.New("input must be a JSON object")
	}
	return doc, nil
}

func newListTaskRunnersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-taskrunners",
		Short: "List the registered task types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newRegistry()
			if err != nil {
				return err
			}
			return printRunners(cmd.OutOrStdout(), registry)
		},
	}
}

// printRunners writes one line per registered task type.
func printRunners(w io.Writer, registry *task.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tRUNNER\tSCHEDULE")
	for _, name := range registry.Names() {
		entry, _ := registry.Lookup(name)
		schedule := entry.Schedule
		if schedule == "" {
			schedule = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.Name, entry.Path, schedule)
	}
	return tw.Flush()
}
