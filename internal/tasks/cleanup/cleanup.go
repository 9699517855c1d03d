// Package cleanup removes build leftovers from target directories while
// honoring retain patterns, read-only files and locked files.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"stagehand/internal/logging"
	"stagehand/internal/tactile"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// Options is the cleanup task's input record.
type Options struct {
	Targets []string `yaml:"targets"`

	// RetainPatterns is a semicolon-delimited list of glob patterns matched
	// against the base name and the slash-separated path relative to the
	// target.
	RetainPatterns string `yaml:"retain"`

	// HandleLocked inspects the holder of a locked file with an external
	// tool. ForceLocked makes one more removal attempt afterwards.
	HandleLocked bool `yaml:"handle_locked"`
	ForceLocked  bool `yaml:"force_locked"`

	// Aggressive removes read-only files after clearing the read-only bit.
	Aggressive bool `yaml:"aggressive"`

	Retry          tasks.RetryPolicy `yaml:"retry"`
	InspectTimeout time.Duration     `yaml:"inspect_timeout"`
}

// LockInfo describes a file that was locked when removal was attempted.
type LockInfo struct {
	Path    string   `json:"path"`
	Holders []string `json:"holders,omitempty"`
	Forced  bool     `json:"forced"`
}

// Result is the cleanup task's output record.
type Result struct {
	Removed     int        `json:"removed"`
	Retained    int        `json:"retained"`
	Failed      int        `json:"failed"`
	RemovedDirs int        `json:"removed_dirs"`
	Locked      []LockInfo `json:"locked,omitempty"`
}

const defaultInspectTimeout = 10 * time.Second

// Task is the cleanup variant.
type Task struct {
	name     string
	opts     Options
	launcher tactile.Executor

	// remove is os.Remove outside of tests.
	remove func(string) error
}

var _ tasks.ContextIsolated = (*Task)(nil)

// New creates a cleanup task. launcher runs the lock inspection tool and
// may be nil when HandleLocked is off.
func New(name string, opts Options, launcher tactile.Executor) *Task {
	if name == "" {
		name = "cleanup"
	}
	return &Task{name: name, opts: opts, launcher: launcher, remove: os.Remove}
}

func (t *Task) Name() string { return t.name }

// IsolatedExecution marks the task safe for concurrent scheduling.
func (t *Task) IsolatedExecution() {}

// run carries the state of one invocation.
type run struct {
	*Task
	env      taskenv.Context
	log      *zap.Logger
	report   *tasks.Report
	result   *Result
	patterns []string
}

func (t *Task) Run(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
	report := tasks.NewReport(t.name)
	result := &Result{}
	report.Output = result

	if len(t.opts.Targets) == 0 {
		err := tasks.ConfigError("cleanup requires at least one target")
		return report.Finish(err), err
	}
	patterns := tasks.SplitList(t.opts.RetainPatterns)
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			err = tasks.ConfigError("invalid retain pattern %q: %v", p, err)
			return report.Finish(err), err
		}
	}
	if t.opts.HandleLocked && t.launcher == nil {
		err := tasks.ConfigError("handle_locked requires a process launcher")
		return report.Finish(err), err
	}

	targets, err := tasks.ResolveAll(env, t.opts.Targets)
	if err != nil {
		return report.Finish(err), err
	}

	r := &run{Task: t, env: env, log: env.Logger().With(zap.String("task", t.name)), report: report, result: result, patterns: patterns}

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return report.Finish(err), err
		}
		if err := r.cleanTarget(ctx, target); err != nil {
			return report.Finish(err), err
		}
	}

	logging.TasksDebug("cleanup %s: removed=%d retained=%d failed=%d dirs=%d",
		t.name, result.Removed, result.Retained, result.Failed, result.RemovedDirs)
	return report.Finish(nil), nil
}

func (r *run) cleanTarget(ctx context.Context, target string) error {
	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.report.Add(r.log, tasks.Issue{Severity: tasks.SeverityInfo, Path: target, Reason: "target does not exist"})
		return nil
	case err != nil:
		r.report.Item(r.log, target, "", err)
		return nil
	case !info.IsDir():
		return tasks.ConfigError("cleanup target %s is not a directory", target)
	}

	var dirs []string
	walkErr := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			r.report.Item(r.log, path, "", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".stagehand" {
				return fs.SkipDir
			}
			if path != target {
				dirs = append(dirs, path)
			}
			return nil
		}

		rel, relErr := filepath.Rel(target, path)
		if relErr != nil {
			rel = d.Name()
		}
		if r.retained(filepath.ToSlash(rel), d.Name()) {
			r.result.Retained++
			return nil
		}
		r.removeFile(ctx, path, d)
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	r.purgeEmptyDirs(dirs)
	return nil
}

func (r *run) retained(rel, base string) bool {
	for _, p := range r.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (r *run) removeFile(ctx context.Context, path string, d fs.DirEntry) {
	info, err := d.Info()
	if err != nil {
		r.report.Item(r.log, path, "", err)
		r.result.Failed++
		return
	}

	// restore puts back a mode changed for removal when the file survives.
	restore := func() {}
	if info.Mode().Perm()&0o200 == 0 {
		if !r.opts.Aggressive {
			r.result.Retained++
			r.report.Add(r.log, tasks.Issue{Severity: tasks.SeverityInfo, Path: path, Reason: "read-only file retained"})
			return
		}
		undo, err := clearWriteProtect(path, info.Mode().Perm())
		if err != nil {
			r.skipOrFail(path, err)
			return
		}
		restore = undo
	}

	err = tasks.Retry(ctx, r.opts.Retry, func() error { return r.remove(path) }, func(err error, wait time.Duration) {
		r.log.Debug("file locked, retrying", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	})
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		r.result.Removed++
		return
	}
	if ctx.Err() == nil && tasks.IsTransient(err) {
		if !r.handleLocked(ctx, path, err) {
			restore()
		}
		return
	}
	restore()
	r.skipOrFail(path, err)
}

// skipOrFail applies the taxonomy to a final per-item error: permission
// problems leave the file in place and count as retained.
func (r *run) skipOrFail(path string, err error) {
	r.report.Item(r.log, path, "", err)
	if tasks.Classify(err) == tasks.KindPermission {
		r.result.Retained++
		return
	}
	r.result.Failed++
}

// handleLocked reports whether the forced attempt removed the file.
func (r *run) handleLocked(ctx context.Context, path string, lockErr error) bool {
	lock := LockInfo{Path: path}
	if r.opts.HandleLocked {
		lock.Holders = r.inspectLock(ctx, path)
	}
	defer func() { r.result.Locked = append(r.result.Locked, lock) }()

	if r.opts.ForceLocked {
		restore := func() {}
		if info, err := os.Lstat(path); err == nil && info.Mode().Perm()&0o200 == 0 {
			if undo, err := clearWriteProtect(path, info.Mode().Perm()); err == nil {
				restore = undo
			}
		}
		if err := r.remove(path); err == nil {
			lock.Forced = true
			r.result.Removed++
			r.report.Add(r.log, tasks.Issue{
				Severity: tasks.SeverityWarning,
				Kind:     tasks.KindTransient,
				Path:     path,
				Reason:   "locked file force-removed",
			})
			return true
		}
		restore()
	}

	reason := lockErr.Error()
	if len(lock.Holders) > 0 {
		reason = fmt.Sprintf("%s (held by %s)", reason, strings.Join(lock.Holders, ", "))
	}
	r.result.Failed++
	r.report.Add(r.log, tasks.Issue{Severity: tasks.SeverityError, Kind: tasks.KindTransient, Path: path, Reason: reason})
	return false
}

// clearWriteProtect adds the owner write bit to a file whose permission
// bits are mode and returns a func that puts mode back.
func clearWriteProtect(path string, mode fs.FileMode) (func(), error) {
	if err := os.Chmod(path, mode|0o200); err != nil {
		return nil, err
	}
	return func() { _ = os.Chmod(path, mode) }, nil
}

// purgeEmptyDirs removes directories left empty, deepest first.
func (r *run) purgeEmptyDirs(dirs []string) {
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			r.report.Item(r.log, dir, "", err)
			continue
		}
		r.result.RemovedDirs++
	}
}
