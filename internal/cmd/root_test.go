package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoManifest = `
name: demo
display_name: Demo
description: Demo **extension**
authors: [Ada]
constants:
  GREETING: hello
actions:
  - name: echo
    script: echo "$GREETING $var1 from $target"
    parameters:
      - name: var1
        description: Some text
        data_type: str
      - name: target
        description: Experiment
        data_type: experiment
  - name: fail
    script: echo broken >&2; exit 3
`

const demoExperiment = "20240229-5689864ffd94"

// executeCommand runs the root command with args and returns stdout and
// stderr separately.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// newHome creates an aqueduct home holding the demo extension.
func newHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	writeManifest(t, filepath.Join(home, "extensions", "demo"), demoManifest)
	return home
}

func writeManifest(t *testing.T, folder, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(folder, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, "extension.yaml"), []byte(content), 0644))
}

func TestRootCommandHelp(t *testing.T) {
	out, _, err := executeCommand(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "aqueduct")
	assert.Contains(t, out, "extensions")
}

func TestRootCommandSubcommands(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "aqueduct", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "extensions", "validate", "tasks", "experiments"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionFlag(t *testing.T) {
	out, _, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestInvalidConfigFileIsReported(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bogus_key: 1\n"), 0644))

	_, _, err := executeCommand(t, "extensions", "list", "--home", home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestExtensionsList(t *testing.T) {
	home := newHome(t)

	out, _, err := executeCommand(t, "extensions", "list", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, filepath.Join(home, "extensions", "demo"))
}

func TestExtensionsListEmpty(t *testing.T) {
	out, _, err := executeCommand(t, "extensions", "list", "--home", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No extensions found.")
}

func TestExtensionsShow(t *testing.T) {
	home := newHome(t)

	out, _, err := executeCommand(t, "extensions", "show", "demo", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "Demo (demo)")
	assert.Contains(t, out, "Authors: Ada")
	assert.Contains(t, out, "Action echo")
	assert.Contains(t, out, "var1")
	assert.Contains(t, out, "experiment")

	_, _, err = executeCommand(t, "extensions", "show", "missing", "--home", home)
	assert.Error(t, err)
}

func TestExperimentsCreate(t *testing.T) {
	home := t.TempDir()

	out, _, err := executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)
	dir := filepath.Join(home, "experiments", "20240229", demoExperiment)
	assert.Contains(t, out, dir)
	assert.DirExists(t, dir)

	// Creating it again is fine.
	_, _, err = executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	assert.NoError(t, err)

	_, _, err = executeCommand(t, "experiments", "create", "not-an-id", "--home", home)
	assert.Error(t, err)
}

func TestExperimentsFiles(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCommand(t, "experiments", "files", demoExperiment, "--home", home)
	assert.Error(t, err)

	_, _, err = executeCommand(t, "experiments", "create", demoExperiment, "--home", home)
	require.NoError(t, err)
	out, _, err := executeCommand(t, "experiments", "files", demoExperiment, "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "No files attached.")

	dir := filepath.Join(home, "experiments", "20240229", demoExperiment)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	out, _, err = executeCommand(t, "experiments", "files", demoExperiment, "--home", home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes.txt")+"\n", out)
}
