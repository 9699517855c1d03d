package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stagehand/internal/config"
	"stagehand/internal/pipeline"
	"stagehand/internal/store"
)

var onlyTasks []string

// runCmd executes the pipeline once
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every task of the pipeline once",
	Long: `Runs the tasks declared in the pipeline file. Context-isolated tasks
run concurrently up to execution.max_parallel; the command fails when any
task fails.

Example:
  stagehand run --task clean-bin --task stamp`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringSliceVarP(&onlyTasks, "task", "t", nil, "Run only the named tasks")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	selected, err := selectTasks(cfg, onlyTasks)
	if err != nil {
		return err
	}
	summary, err := executePipeline(ctx, selected, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(summary.Outcomes))
	}
	return nil
}

// selectTasks returns a copy of c restricted to names, in pipeline order.
func selectTasks(c *config.Config, names []string) (*config.Config, error) {
	if len(names) == 0 {
		return c, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := *c
	out.Tasks = nil
	for _, t := range c.Tasks {
		if want[t.Name] {
			out.Tasks = append(out.Tasks, t)
			delete(want, t.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown task %q", n)
	}
	return &out, nil
}

// executePipeline runs c once and prints a summary to out.
func executePipeline(ctx context.Context, c *config.Config, out io.Writer) (*pipeline.Summary, error) {
	var history *store.HistoryStore
	if c.History.Enabled && !noHistory {
		h, err := store.Open(c.HistoryPath())
		if err != nil {
			return nil, err
		}
		defer h.Close()
		history = h
	}

	runner, err := pipeline.NewRunner(c, pipeline.Options{History: history, Logger: logger})
	if err != nil {
		return nil, err
	}

	logger.Info("Running pipeline", zap.String("dir", c.Dir()), zap.Int("tasks", len(c.Tasks)))
	summary, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(out, renderSummary(summary))
	return summary, nil
}
