package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/pipeline"
)

// checkCmd validates the pipeline file without running anything
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the pipeline file and every task's parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid pipeline: %w", err)
		}
		invs, err := pipeline.Invocations(cfg, pipeline.DefaultRegistry(), pipeline.Deps{})
		if err != nil {
			return fmt.Errorf("invalid pipeline: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d tasks OK\n", okStyle.Render("✓"), len(invs))
		return nil
	},
}
