package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for aqueduct
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aqueduct",
		Short: "Extension execution service for experiment data",
		Long: `Aqueduct discovers extensions declared on disk, validates the
parameters of their actions, provisions an isolated Python environment for
each extension and runs actions as supervised processes whose results are
attached to experiments.

Configuration is loaded from $AQUEDUCT_HOME/config.yaml (default ~/.aqueduct)
when present. CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("home", "", "Aqueduct home directory (default: $AQUEDUCT_HOME or ~/.aqueduct)")
	flags.String("config", "", "Path to config file (default: <home>/config.yaml)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.String("extensions-dir", "", "Directory holding extension folders")
	flags.String("experiments-dir", "", "Directory holding experiment folders")
	flags.String("db", "", "Path to the task database")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewExtensionsCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewTasksCommand())
	cmd.AddCommand(NewExperimentsCommand())

	return cmd
}
