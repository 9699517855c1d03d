// Package tasks holds the contracts shared by every pipeline task variant:
// the Task interface and its concurrency tag, the per-invocation Report,
// the error taxonomy with its retry policy, and file helpers that stage
// writes through the invocation's Context.
package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stagehand/internal/taskenv"
)

// Task is one pipeline step. Run must route every filesystem, environment
// and process access through env.
type Task interface {
	Name() string
	Run(ctx context.Context, env taskenv.Context) (*Report, error)
}

// ContextIsolated marks a task that has been verified to touch no ambient
// process state. Only tagged tasks are scheduled concurrently; untagged
// tasks run alone.
type ContextIsolated interface {
	Task
	IsolatedExecution()
}

// IsIsolated reports whether t carries the ContextIsolated tag.
func IsIsolated(t Task) bool {
	_, ok := t.(ContextIsolated)
	return ok
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is a per-item outcome worth reporting: a skip, a warning or a
// failure that did not abort the invocation.
type Issue struct {
	Severity    Severity `json:"severity"`
	Kind        Kind     `json:"kind"`
	Path        string   `json:"path,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Reason      string   `json:"reason"`
}

// Report is the result of one invocation.
type Report struct {
	Task     string    `json:"task"`
	Status   Status    `json:"status"`
	Issues   []Issue   `json:"issues,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Output is the variant's typed result record.
	Output any `json:"output,omitempty"`
}

// NewReport starts a report for the named task.
func NewReport(task string) *Report {
	return &Report{Task: task, Status: StatusSucceeded, Started: time.Now()}
}

// Add records an issue and logs it with enough context to diagnose it
// without re-running.
func (r *Report) Add(log *zap.Logger, issue Issue) {
	r.Issues = append(r.Issues, issue)
	if log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("task", r.Task),
		zap.Stringer("kind", issue.Kind),
		zap.String("path", issue.Path),
	}
	if issue.Destination != "" {
		fields = append(fields, zap.String("destination", issue.Destination))
	}
	switch issue.Severity {
	case SeverityError:
		log.Error(issue.Reason, fields...)
	case SeverityWarning:
		log.Warn(issue.Reason, fields...)
	default:
		log.Info(issue.Reason, fields...)
	}
}

// Item records a per-item error, classified and given a severity that
// follows the taxonomy: permission problems are warnings, everything else
// is an error for that item.
func (r *Report) Item(log *zap.Logger, path, dest string, err error) {
	kind := Classify(err)
	severity := SeverityError
	if kind == KindPermission {
		severity = SeverityWarning
	}
	r.Add(log, Issue{Severity: severity, Kind: kind, Path: path, Destination: dest, Reason: err.Error()})
}

// Errors returns the issues with error severity.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Finish stamps the report and marks it failed when err is non-nil.
func (r *Report) Finish(err error) *Report {
	r.Finished = time.Now()
	if err != nil {
		r.Status = StatusFailed
	}
	return r
}

// ResolveAll resolves every input path once at the task's entry point.
// Callers thread only the returned values through the rest of the run.
func ResolveAll(env taskenv.Context, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := env.ResolvePath(p)
		if err != nil {
			return nil, ConfigError("cannot resolve %q: %v", p, err)
		}
		out = append(out, resolved)
	}
	return out, nil
}
