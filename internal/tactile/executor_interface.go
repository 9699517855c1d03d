package tactile

import (
	"context"
	"errors"

	"stagehand/internal/taskenv"
)

var (
	// ErrTimeout is returned when a child process outlived its timeout and
	// was killed. The accompanying result has Killed set.
	ErrTimeout = errors.New("process timed out")

	ErrNilLaunchConfig = errors.New("launch config is required")
)

// Executor is the interface for command execution.
// All executor implementations must satisfy this interface.
type Executor interface {
	// Execute runs the configured process and returns a comprehensive
	// result. The context can be used for cancellation; the process is
	// also bounded by the config's timeout.
	Execute(ctx context.Context, cfg *taskenv.LaunchConfig) (*ExecutionResult, error)
}

// AuditedExecutor is an executor that reports audit events.
type AuditedExecutor interface {
	Executor

	// SetAuditCallback sets the callback for audit events.
	SetAuditCallback(callback func(AuditEvent))
}
