package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/store"
	"github.com/harrison/aqueduct/internal/tasks"
)

// NewTasksCommand creates the tasks command group
func NewTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Query recorded tasks",
	}
	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksShowCommand())
	return cmd
}

// openTracker opens the task database read-side. It never recovers
// unfinished tasks, so it is safe next to a running server.
func openTracker(cmd *cobra.Command) (*tasks.Tracker, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureHome(); err != nil {
		return nil, nil, err
	}
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task database: %w", err)
	}
	log := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	tracker := tasks.NewTracker(st, log, tasks.WithMaxPageSize(cfg.Tasks.MaxPageSize))
	return tracker, func() { st.Close() }, nil
}

func newTasksListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, closeFn, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			var filter models.TaskFilter
			filter.Extension, _ = cmd.Flags().GetString("extension")
			filter.Action, _ = cmd.Flags().GetString("action")
			filter.Experiment, _ = cmd.Flags().GetString("experiment")
			filter.Requester, _ = cmd.Flags().GetString("requester")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			filter.Offset, _ = cmd.Flags().GetInt("offset")

			list, err := tracker.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().String("extension", "", "Only tasks of this extension")
	cmd.Flags().String("action", "", "Only tasks of this action")
	cmd.Flags().String("experiment", "", "Only tasks of this experiment")
	cmd.Flags().String("requester", "", "Only tasks submitted by this user")
	cmd.Flags().Int("limit", 20, "Page size (0 = maximum page size)")
	cmd.Flags().Int("offset", 0, "Number of tasks to skip")

	return cmd
}

func newTasksShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, closeFn, err := openTracker(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			task, err := tracker.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := tracker.History(cmd.Context(), task.ID)
			if err != nil {
				return err
			}
			printTaskDetail(cmd.OutOrStdout(), task)
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func printTasks(w io.Writer, list []*models.Task) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tACTION\tEXPERIMENT\tRECEIVED\tEXIT")
	for _, t := range list {
		exit := "-"
		if t.ResultCode != nil {
			exit = fmt.Sprint(*t.ResultCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Extension, t.Action, t.Experiment, t.ReceivedAt.Local().Format(time.DateTime), exit)
	}
	tw.Flush()
}

func printHistory(w io.Writer, history []store.Transition) {
	if len(history) == 0 {
		return
	}
	fmt.Fprintf(w, "\n--- history ---\n")
	for _, tr := range history {
		fmt.Fprintf(w, "%s  %s -> %s\n", tr.At.Local().Format(time.DateTime), tr.From, tr.To)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
