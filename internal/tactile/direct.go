package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
)

// DirectExecutor executes launch configs directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

var _ AuditedExecutor = (*DirectExecutor)(nil)

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	logging.TactileDebug("Creating new DirectExecutor with default config")
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor with config: timeout=%s, max=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxTimeout, config.MaxOutputBytes)
	return &DirectExecutor{
		config:        config,
		auditCallback: config.AuditCallback,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		event.ExecutorName = "direct"
		event.Timestamp = time.Now()
		callback(event)
	}
}

// Execute runs the configured process. On timeout only the child's process
// group is killed and ErrTimeout is returned together with the result.
func (e *DirectExecutor) Execute(ctx context.Context, cfg *taskenv.LaunchConfig) (*ExecutionResult, error) {
	if cfg == nil {
		return nil, ErrNilLaunchConfig
	}
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	commandLine := cfg.CommandString()
	logging.Tactile("Executing command: %s", commandLine)

	result := &ExecutionResult{
		ExitCode:    -1,
		CommandLine: commandLine,
		Dir:         cfg.Dir,
	}

	timeout := e.config.Timeout(cfg.Timeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd, err := cfg.Command(execCtx)
	if err != nil {
		result.Error = err.Error()
		logging.TactileWarn("Command could not be prepared: %s - %v", commandLine, err)
		e.emitAudit(AuditEvent{Type: AuditEventError, CommandLine: commandLine, Dir: cfg.Dir, Result: result})
		return result, err
	}

	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = e.config.WaitDelay

	maxOutput := e.config.MaxOutputBytes
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}

	if cfg.CaptureStdout || cfg.MergeStderr {
		execCmd.Stdout = stdoutLimited
	}
	switch {
	case cfg.MergeStderr:
		execCmd.Stderr = stdoutLimited
	case cfg.CaptureStderr:
		execCmd.Stderr = stderrLimited
	}

	e.emitAudit(AuditEvent{Type: AuditEventStart, CommandLine: commandLine, Dir: cfg.Dir})

	logging.TactileDebug("Starting process: %s (dir=%s, timeout=%s)", execCmd.Path, execCmd.Dir, timeout)
	result.StartedAt = time.Now()
	err = execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = result.Stdout
	if result.Stderr != "" {
		if result.Combined != "" {
			result.Combined += "\n"
		}
		result.Combined += result.Stderr
	}

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.TactileWarn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	var runErr error
	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
		logging.TactileDebug("Command succeeded with exit code 0")

	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		result.Success = true // Infrastructure worked, command was killed
		runErr = fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, commandLine)
		logging.TactileWarn("Command killed (timeout): %s after %s", commandLine, timeout)
		e.emitAudit(AuditEvent{Type: AuditEventKilled, CommandLine: commandLine, Dir: cfg.Dir, Result: result})

	case ctx.Err() != nil:
		result.Killed = true
		result.KillReason = "context canceled"
		result.Success = true
		runErr = ctx.Err()
		logging.TactileDebug("Command canceled: %s", commandLine)
		e.emitAudit(AuditEvent{Type: AuditEventKilled, CommandLine: commandLine, Dir: cfg.Dir, Result: result})

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Success = true // Command ran, just returned non-zero
			result.ExitCode = exitErr.ExitCode()
			logging.TactileDebug("Command exited non-zero: %s -> %d", commandLine, result.ExitCode)
			break
		}
		result.Error = err.Error()
		logging.TactileError("Command failed: %s - %v", commandLine, err)
		e.emitAudit(AuditEvent{Type: AuditEventError, CommandLine: commandLine, Dir: cfg.Dir, Result: result})
		return result, fmt.Errorf("failed to run %s: %w", commandLine, err)
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	if runErr != nil {
		return result, runErr
	}

	e.emitAudit(AuditEvent{Type: AuditEventComplete, CommandLine: commandLine, Dir: cfg.Dir, Result: result})

	logging.Tactile("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		commandLine, result.ExitCode, result.Duration, len(result.Stdout))

	return result, nil
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		return lw.w.Write(p)
	}

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
