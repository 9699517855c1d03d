// Package tactile is the execution layer that physically runs external tools.
//
// Tasks never spawn processes themselves. They build a taskenv.LaunchConfig
// through their Context and hand it to an Executor, which:
//   - starts the child in its own process group
//   - bounds its lifetime with a timeout and kills only that group
//   - caps captured output
//   - reports structured results and audit events
package tactile

import (
	"time"
)

// ExecutionResult is the comprehensive output of command execution.
type ExecutionResult struct {
	// Success indicates whether the command completed without error.
	// Note: A command that runs but returns non-zero exit code has Success=true.
	// Success=false means the execution infrastructure failed.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Combined is stdout followed by stderr, or the interleaved stream when
	// the launch config merged stderr into stdout.
	Combined string `json:"combined"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated      bool  `json:"truncated"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// CommandLine is the command as it was launched (for audit).
	CommandLine string `json:"command_line"`
	Dir         string `json:"dir"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Output returns Combined if available, otherwise Stdout+Stderr.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`

	// MaxRSSBytes is peak resident set size in bytes.
	MaxRSSBytes int64 `json:"max_rss_bytes"`

	DiskReadBytes  int64 `json:"disk_read_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`

	VoluntaryContextSwitches   int64 `json:"voluntary_context_switches"`
	InvoluntaryContextSwitches int64 `json:"involuntary_context_switches"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents one step in the life of a launched process.
type AuditEvent struct {
	Type      AuditEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`

	CommandLine string `json:"command_line"`
	Dir         string `json:"dir"`

	// Result is set for complete, killed and error events.
	Result *ExecutionResult `json:"result,omitempty"`

	ExecutorName string `json:"executor_name"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultTimeout is used when the launch config has no timeout.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// MaxOutputBytes caps output capture per stream (default 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// WaitDelay bounds how long Wait blocks on I/O after the child has
	// been killed, e.g. when a grandchild still holds the output pipe.
	WaitDelay time.Duration `json:"wait_delay"`

	// AuditCallback is called for each execution event (optional).
	AuditCallback func(AuditEvent) `json:"-"`

	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:      2 * time.Minute,
		MaxTimeout:          30 * time.Minute,
		MaxOutputBytes:      10 * 1024 * 1024, // 10MB
		WaitDelay:           2 * time.Second,
		EnableResourceUsage: true,
	}
}

// Timeout returns the effective timeout for a requested value: the default
// when zero, capped at MaxTimeout.
func (c ExecutorConfig) Timeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	if c.MaxTimeout > 0 && (timeout <= 0 || timeout > c.MaxTimeout) {
		timeout = c.MaxTimeout
	}
	return timeout
}
