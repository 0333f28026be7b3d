package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/executor"
	"github.com/harrison/aqueduct/internal/models"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <extension> <action>",
		Short: "Run one action and wait for it to finish",
		Long: `Run an extension action in the foreground.

Parameters are passed as repeated --param name=value flags and validated against
the action's declared parameters. The experiment is taken from --experiment or,
when omitted, from the action's experiment parameter. The extension's
environment is provisioned first unless --interpreter is given.

The run is recorded as a task and its log is attached to the experiment.
Exit code: 0 if the task succeeded, 1 otherwise.

Examples:
  aqueduct run demo echo --experiment 20240229-5689864ffd94 --param var1=text
  aqueduct run demo slow --experiment 20240229-5689864ffd94 --timeout 5m
  aqueduct run demo echo --interpreter /usr/bin/python3 --param target=20240229-5689864ffd94`,
		Args: cobra.ExactArgs(2),
		RunE: runCommand,
	}

	cmd.Flags().String("experiment", "", "Experiment the run belongs to")
	cmd.Flags().StringArrayP("param", "p", nil, "Action parameter as name=value (repeatable)")
	cmd.Flags().Duration("timeout", 0, "Maximum run time (default: execution.default_timeout)")
	cmd.Flags().String("interpreter", "", "Interpreter substituted for $python; skips provisioning")
	cmd.Flags().String("user", "", "Requester recorded on the task (default: $USER)")

	return cmd
}

// parseParams splits name=value pairs. Later duplicates win.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --param %q: expected name=value", pair)
		}
		params[strings.TrimSpace(name)] = value
	}
	return params, nil
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pairs, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(pairs)
	if err != nil {
		return err
	}
	experimentRef, _ := cmd.Flags().GetString("experiment")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	interpreter, _ := cmd.Flags().GetString("interpreter")
	requester, _ := cmd.Flags().GetString("user")
	if requester == "" {
		requester = os.Getenv("USER")
	}

	a, err := newApp(cfg, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.shutdown(ctx)
	}()

	// Ctrl-C interrupts the process group and the task is recorded as FAILURE.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := a.service.Execute(ctx, executor.Request{
		Extension:     args[0],
		Action:        args[1],
		ExperimentRef: experimentRef,
		Params:        params,
		Requester:     requester,
		Blocking:      true,
		Timeout:       timeout,
		Interpreter:   interpreter,
	})
	if err != nil {
		return err
	}

	printTaskDetail(cmd.OutOrStdout(), task)
	if task.Status != models.StatusSuccess {
		return fmt.Errorf("task %s finished with status %s", task.ID, task.Status)
	}
	return nil
}

// printTaskDetail writes a task with its captured output.
func printTaskDetail(w io.Writer, task *models.Task) {
	fmt.Fprintf(w, "Task:       %s\n", task.ID)
	fmt.Fprintf(w, "Action:     %s/%s\n", task.Extension, task.Action)
	fmt.Fprintf(w, "Experiment: %s\n", task.Experiment)
	if task.Requester != "" {
		fmt.Fprintf(w, "Requester:  %s\n", task.Requester)
	}
	fmt.Fprintf(w, "Status:     %s\n", task.Status)
	fmt.Fprintf(w, "Received:   %s\n", task.ReceivedAt.Local().Format(time.DateTime))
	if task.EndedAt != nil {
		fmt.Fprintf(w, "Duration:   %s\n", task.Duration().Round(time.Millisecond))
	}
	if task.ResultCode != nil {
		fmt.Fprintf(w, "Exit code:  %d\n", *task.ResultCode)
	}
	if task.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", task.Error)
	}
	if len(task.Params) > 0 {
		fmt.Fprintf(w, "Parameters:\n")
		for _, k := range sortedKeys(task.Params) {
			fmt.Fprintf(w, "  %s=%s\n", k, task.Params[k])
		}
	}
	if task.Stdout != "" {
		fmt.Fprintf(w, "\n--- stdout ---\n%s", ensureNewline(task.Stdout))
	}
	if task.Stderr != "" {
		fmt.Fprintf(w, "\n--- stderr ---\n%s", ensureNewline(task.Stderr))
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
