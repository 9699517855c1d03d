package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"stagehand/internal/store"
)

var historyLimit int

// historyCmd lists recorded runs
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recent runs, or the invocations of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
}

func showHistory(cmd *cobra.Command, args []string) error {
	if noHistory || !cfg.History.Enabled {
		return fmt.Errorf("run history is disabled")
	}
	h, err := store.Open(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer h.Close()

	if len(args) == 1 {
		return printRun(cmd.Context(), h, args[0], cmd.OutOrStdout())
	}
	return printRuns(cmd.Context(), h, historyLimit, cmd.OutOrStdout())
}

func printRuns(ctx context.Context, h *store.HistoryStore, limit int, out io.Writer) error {
	runs, err := h.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	table := newTable("Recent runs", "RUN", "STARTED", "STATUS", "TASKS", "FAILED")
	for _, r := range runs {
		table.AddRow(r.ID, r.Started.Format("2006-01-02 15:04:05"), statusLabel(r.Status),
			fmt.Sprint(r.Total), fmt.Sprint(r.Failed))
	}
	fmt.Fprint(out, table.View())
	return nil
}

func printRun(ctx context.Context, h *store.HistoryStore, runID string, out io.Writer) error {
	run, err := h.Run(ctx, runID)
	if err != nil {
		return err
	}
	outcomes, err := h.Outcomes(ctx, runID)
	if err != nil {
		return err
	}

	table := newTable(fmt.Sprintf("Run %s (%s)", run.ID, run.Pipeline), "TASK", "STATUS", "DURATION", "ISSUES", "ERROR")
	for _, o := range outcomes {
		table.AddRow(o.Task, statusLabel(o.Status), o.Duration().Round(millisecond).String(),
			fmt.Sprint(o.Issues), o.Error)
	}
	fmt.Fprint(out, table.View())
	return nil
}
