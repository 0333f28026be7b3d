package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/experiment"
)

// NewExperimentsCommand creates the experiments command group
func NewExperimentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "Manage experiment folders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <experiment-id>",
		Short: "Create an experiment folder (no-op if it exists)",
		Long: `Create the storage folder for an experiment so actions can attach their
logs to it. Experiment ids have the form <digits>-<alphanumerics>, for example
20240229-5689864ffd94.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.EnsureHome(); err != nil {
				return err
			}
			exp, err := experiment.NewFSStore(cfg.ExperimentsDir).Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s: %s\n", exp.ID, exp.Path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "files <experiment-id>",
		Short: "List the files attached to an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := experiment.NewFSStore(cfg.ExperimentsDir)
			files, err := store.Files(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No files attached.")
				return nil
			}
			dir, _ := store.Dir(args[0])
			for _, name := range files {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(dir, name))
			}
			return nil
		},
	})
	return cmd
}
