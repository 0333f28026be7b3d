package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aqueduct/internal/extension"
)

func TestValidateExtensions_Valid(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "demo"), demoManifest)
	// Folders without a manifest are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch"), 0755))

	var out bytes.Buffer
	err := validateExtensions(extension.NewRegistry(dir, extension.Options{}, nil), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "demo (2 action(s))")
	assert.Contains(t, out.String(), "All 1 extension(s) are valid")
}

func TestValidateExtensions_Errors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "demo"), demoManifest)
	writeManifest(t, filepath.Join(dir, "broken"), "name: broken\nactions:\n  - name: a\n    script: x\n    parameters:\n      - name: p\n        description: d\n        data_type: complex\n")

	var out bytes.Buffer
	err := validateExtensions(extension.NewRegistry(dir, extension.Options{}, nil), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "demo (2 action(s))")
	assert.Contains(t, out.String(), "broken")
	assert.Contains(t, out.String(), "Validation failed: 1 problem(s)")
}

func TestValidateExtensions_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "demo"), demoManifest)
	writeManifest(t, filepath.Join(dir, "demo-copy"), demoManifest)

	var out bytes.Buffer
	err := validateExtensions(extension.NewRegistry(dir, extension.Options{}, nil), &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), `extension name "demo" is declared by 2 folders`)
}

func TestValidateExtensions_MissingDir(t *testing.T) {
	var out bytes.Buffer
	err := validateExtensions(extension.NewRegistry(filepath.Join(t.TempDir(), "none"), extension.Options{}, nil), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "All 0 extension(s) are valid")
}

func TestValidateCommandUsesArgument(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "demo"), demoManifest)

	out, _, err := executeCommand(t, "validate", dir, "--home", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "demo (2 action(s))")
}
