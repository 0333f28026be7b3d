package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
)

// NewExtensionsCommand creates the extensions command group
func NewExtensionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extensions",
		Short: "List and inspect installed extensions",
	}
	cmd.AddCommand(newExtensionsListCommand())
	cmd.AddCommand(newExtensionsShowCommand())
	return cmd
}

func newExtensionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List valid extensions",
		Long: `List every extension that loads without errors, sorted by name.
Folders with a broken manifest are skipped with a warning; use "aqueduct validate"
for the full error report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			printExtensions(cmd.OutOrStdout(), newRegistry(cfg, log).List())
			return nil
		},
	}
}

func newExtensionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show the actions and parameters of an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			ext, err := newRegistry(cfg, log).Get(args[0])
			if err != nil {
				return err
			}
			printExtension(cmd.OutOrStdout(), ext)
			return nil
		},
	}
}

func printExtensions(w io.Writer, exts []*models.Extension) {
	if len(exts) == 0 {
		fmt.Fprintln(w, "No extensions found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tACTIONS\tFOLDER")
	for _, ext := range exts {
		folder, _ := ext.Folder()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ext.Name, ext.Label(), len(ext.Actions), folder)
	}
	tw.Flush()
}

func printExtension(w io.Writer, ext *models.Extension) {
	fmt.Fprintf(w, "%s (%s)\n", ext.Label(), ext.Name)
	if ext.Description != "" {
		fmt.Fprintf(w, "%s\n", strings.TrimSpace(ext.Description))
	}
	if len(ext.Authors) > 0 {
		fmt.Fprintf(w, "Authors: %s\n", strings.Join(ext.Authors, ", "))
	}
	if folder, err := ext.Folder(); err == nil {
		fmt.Fprintf(w, "Folder:  %s\n", folder)
	}

	for _, a := range ext.Actions {
		fmt.Fprintf(w, "\nAction %s", a.Name)
		if a.DisplayName != "" {
			fmt.Fprintf(w, " (%s)", a.DisplayName)
		}
		fmt.Fprintln(w)
		if a.Description != "" {
			fmt.Fprintf(w, "  %s\n", strings.TrimSpace(a.Description))
		}
		if len(a.Parameters) == 0 {
			fmt.Fprintln(w, "  No parameters.")
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, p := range a.Parameters {
			extra := ""
			if p.DefaultValue != nil {
				extra = fmt.Sprintf(" [default: %s]", *p.DefaultValue)
			}
			if len(p.Options) > 0 {
				extra += fmt.Sprintf(" [options: %s]", strings.Join(p.Options, ", "))
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s%s\n", p.Name, p.DataType, p.Description, extra)
		}
		tw.Flush()
	}
}
