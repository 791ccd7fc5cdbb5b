package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/config"
)

func newModelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog with prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, _, err := loadConfig(opts, io.Discard)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return printModels(cmd.OutOrStdout(), loader.Snapshot().Catalog)
		},
	}
}

func printModels(w io.Writer, catalog *config.ModelCatalog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINPUT $/1M\tOUTPUT $/1M\tCONTEXT\tFLAGS")
	for _, m := range catalog.Models {
		var flags string
		if m.Reasoning {
			flags += "reasoning "
		}
		if m.Vision {
			flags += "vision "
		}
		if m.Agentic {
			flags += "agentic"
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%d\t%s\n", m.ID, m.InputPrice, m.OutputPrice, m.ContextWindow, flags)
	}
	return tw.Flush()
}
