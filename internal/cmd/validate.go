package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/extension"
	"github.com/harrison/aqueduct/internal/logger"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [extensions-dir]",
		Short: "Validate every extension manifest in a directory",
		Long: `Parse and validate the manifest of every extension folder, checking for:
  - Unknown or missing manifest fields
  - Actions without a name or script
  - Parameters with unknown data types, missing options or invalid defaults
  - Extension names declared by more than one folder

The directory defaults to the configured extensions_dir.

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry := newRegistry(cfg, logger.NewNoOpLogger())
			if len(args) == 1 {
				registry = extension.NewRegistry(args[0], extension.Options{
					Manifest: cfg.Registry.Manifest,
					URL:      cfg.Server.URL,
				}, logger.NewNoOpLogger())
			}
			return validateExtensions(registry, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// validateExtensions scans the registry directory and reports every
// extension and every error found.
func validateExtensions(registry *extension.Registry, output io.Writer) error {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	exts, errs := registry.Scan()

	folders := make(map[string][]string)
	for _, ext := range exts {
		folder, _ := ext.Folder()
		folders[ext.Name] = append(folders[ext.Name], folder)
	}
	var duplicates []string
	for name, fs := range folders {
		if len(fs) > 1 {
			duplicates = append(duplicates, fmt.Sprintf("extension name %q is declared by %d folders: %v", name, len(fs), fs))
		}
	}
	sort.Strings(duplicates)

	for _, ext := range exts {
		fmt.Fprintf(output, "%s %s (%d action(s))\n", ok("✓"), ext.Name, len(ext.Actions))
	}
	for _, err := range errs {
		fmt.Fprintf(output, "%s %v\n", bad("✗"), err)
	}
	for _, d := range duplicates {
		fmt.Fprintf(output, "%s %s\n", bad("✗"), d)
	}

	problems := len(errs) + len(duplicates)
	if problems > 0 {
		fmt.Fprintf(output, "\nValidation failed: %d problem(s) in %s\n", problems, registry.Dir)
		return fmt.Errorf("found %d invalid extension(s)", problems)
	}
	fmt.Fprintf(output, "\nAll %d extension(s) are valid\n", len(exts))
	return nil
}
