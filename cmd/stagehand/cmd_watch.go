package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stagehand/internal/config"
)

var watchDebounce time.Duration

// watchCmd re-runs the pipeline whenever its file changes
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline, then re-run it whenever the pipeline file changes",
	Long: `Runs the pipeline once and keeps watching the pipeline file. Each
settled change reloads and validates the file and runs it again; an
invalid edit is reported and the previous definition stays in effect
until the file is fixed. Stop with Ctrl-C.`,
	RunE: watchPipeline,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before a change triggers a run")
}

func watchPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watchLoop(ctx, cfg, configPath, watchDebounce, cmd.OutOrStdout())
}

// watchLoop runs initial, then every valid reload of path, until ctx is done.
func watchLoop(ctx context.Context, initial *config.Config, path string, debounce time.Duration, out io.Writer) error {
	reloads := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, debounce, func(c *config.Config, err error) {
		if err != nil {
			fmt.Fprintf(out, "pipeline file rejected: %v\n", err)
			return
		}
		// Keep only the newest definition.
		select {
		case <-reloads:
		default:
		}
		reloads <- c
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	current := initial
	for {
		if err := current.Validate(); err != nil {
			fmt.Fprintf(out, "pipeline file invalid: %v\n", err)
		} else if _, err := executePipeline(ctx, current, out); err != nil {
			logger.Warn("Pipeline run failed", zap.Error(err))
			fmt.Fprintf(out, "run failed: %v\n", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case next := <-reloads:
			logger.Info("Pipeline file changed; re-running")
			current = next
		}
	}
}
