package conformance

import (
	"context"
	"sync"
	"time"

	"stagehand/internal/tactile"
	"stagehand/internal/taskenv"
)

// Launch is a snapshot of a launch config taken when it was executed.
type Launch struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
	Timeout    time.Duration
}

// RecordingExecutor is a tactile.Executor double. It records every launch
// config and answers with Respond, or with an empty successful result.
type RecordingExecutor struct {
	Respond func(cfg *taskenv.LaunchConfig) (*tactile.ExecutionResult, error)

	mu       sync.Mutex
	launches []Launch
}

var _ tactile.Executor = (*RecordingExecutor)(nil)

func (r *RecordingExecutor) Execute(ctx context.Context, cfg *taskenv.LaunchConfig) (*tactile.ExecutionResult, error) {
	if cfg == nil {
		return nil, tactile.ErrNilLaunchConfig
	}
	r.mu.Lock()
	r.launches = append(r.launches, Launch{
		Executable: cfg.Executable,
		Args:       append([]string(nil), cfg.Args...),
		Dir:        cfg.Dir,
		Env:        cfg.Environ(),
		Timeout:    cfg.Timeout,
	})
	respond := r.Respond
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if respond != nil {
		return respond(cfg)
	}
	return &tactile.ExecutionResult{Success: true, CommandLine: cfg.CommandString(), Dir: cfg.Dir}, nil
}

// Launches returns the recorded launches in order.
func (r *RecordingExecutor) Launches() []Launch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Launch(nil), r.launches...)
}
