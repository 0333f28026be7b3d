//go:build !windows

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aqueduct/internal/models"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: map[string]string{}},
		{name: "simple", pairs: []string{"a=1", "b=two"}, want: map[string]string{"a": "1", "b": "two"}},
		{name: "value with equals", pairs: []string{"expr=x=y"}, want: map[string]string{"expr": "x=y"}},
		{name: "empty value", pairs: []string{"a="}, want: map[string]string{"a": ""}},
		{name: "later wins", pairs: []string{"a=1", "a=2"}, want: map[string]string{"a": "2"}},
		{name: "missing equals", pairs: []string{"a"}, wantErr: true},
		{name: "missing name", pairs: []string{"=1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunCommandSucceeds(t *testing.T) {
	home := newHome(t)
	_, _, err := executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)

	out, _, err := executeCommand(t, "run", "demo", "echo",
		"--home", home,
		"--interpreter", "echo",
		"--user", "ada",
		"-p", "var1=world",
		"-p", "target="+demoExperiment,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     SUCCESS")
	assert.Contains(t, out, "Requester:  ada")
	assert.Contains(t, out, "Exit code:  0")
	assert.Contains(t, out, "hello world from "+demoExperiment)

	logs, err := filepath.Glob(filepath.Join(home, "experiments", "20240229", demoExperiment, "demo_echo_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== result code ===\n0\n")

	listing, _, err := executeCommand(t, "tasks", "list", "--home", home, "--extension", "demo")
	require.NoError(t, err)
	assert.Contains(t, listing, "SUCCESS")
	assert.Contains(t, listing, "demo/echo")

	files, _, err := executeCommand(t, "experiments", "files", demoExperiment, "--home", home)
	require.NoError(t, err)
	assert.Contains(t, files, logs[0])
}

func TestRunCommandReportsFailure(t *testing.T) {
	home := newHome(t)
	_, _, err := executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)

	out, _, err := executeCommand(t, "run", "demo", "fail",
		"--home", home,
		"--interpreter", "echo",
		"--experiment", demoExperiment,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILURE")
	assert.Contains(t, out, "Exit code:  3")
	assert.Contains(t, out, "--- stderr ---\nbroken\n")
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	home := newHome(t)
	_, _, err := executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown extension", args: []string{"run", "nope", "echo"}},
		{name: "unknown action", args: []string{"run", "demo", "nope", "-p", "target=" + demoExperiment}},
		{name: "unknown parameter", args: []string{"run", "demo", "echo", "-p", "var1=x", "-p", "target=" + demoExperiment, "-p", "extra=1"}},
		{name: "missing experiment", args: []string{"run", "demo", "echo", "-p", "var1=x"}},
		{name: "malformed param", args: []string{"run", "demo", "echo", "-p", "var1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--home", home, "--interpreter", "echo")
			out, _, err := executeCommand(t, args...)
			assert.Error(t, err)
			assert.NotContains(t, out, "Task:")
		})
	}

	listing, _, err := executeCommand(t, "tasks", "list", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, listing, "No tasks found.")
}

func TestTasksShow(t *testing.T) {
	home := newHome(t)
	_, _, err := executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)
	_, _, err = executeCommand(t, "run", "demo", "echo", "--home", home, "--interpreter", "echo",
		"-p", "var1=x", "-p", "target="+demoExperiment)
	require.NoError(t, err)

	listing, _, err := executeCommand(t, "tasks", "list", "--home", home, "--limit", "1")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(listing)), []byte("\n"))
	require.Len(t, lines, 2)
	id := string(bytes.Fields(lines[1])[0])

	out, _, err := executeCommand(t, "tasks", "show", id, "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "Task:       "+id)
	assert.Contains(t, out, "  var1=x\n")
	assert.Contains(t, out, "--- history ---")
	assert.Contains(t, out, "PENDING -> STARTED")
	assert.Contains(t, out, "STARTED -> SUCCESS")

	_, _, err = executeCommand(t, "tasks", "show", "no-such-task", "--home", home)
	assert.Error(t, err)

	_, _, err = executeCommand(t, "tasks", "list", "--home", home, "--limit", "100000")
	assert.Error(t, err)
}

func TestPrintTaskDetail(t *testing.T) {
	received := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	started := received.Add(time.Second)
	ended := started.Add(1500 * time.Millisecond)
	code := 0

	var buf bytes.Buffer
	printTaskDetail(&buf, &models.Task{
		ID:         "t1",
		Experiment: demoExperiment,
		Extension:  "demo",
		Action:     "echo",
		Params:     map[string]string{"b": "2", "a": "1"},
		Status:     models.StatusSuccess,
		ReceivedAt: received,
		StartedAt:  &started,
		EndedAt:    &ended,
		ResultCode: &code,
		Stdout:     "out",
	})

	out := buf.String()
	assert.Contains(t, out, "Action:     demo/echo\n")
	assert.Contains(t, out, "Duration:   1.5s\n")
	assert.Contains(t, out, "Parameters:\n  a=1\n  b=2\n")
	assert.Contains(t, out, "--- stdout ---\nout\n")
	assert.NotContains(t, out, "Requester:")
	assert.NotContains(t, out, "--- stderr ---")
}
