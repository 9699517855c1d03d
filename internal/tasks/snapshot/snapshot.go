// Package snapshot captures a workspace's files into timestamped snapshot
// directories and restores the most recent one.
//
// Layout under the snapshot root:
//
//	<root>/<workspace>_<20060102T150405.000000000Z>/   committed snapshot
//	<root>/.pending_<label>/                            staging, never restored
//
// A snapshot becomes visible only through the final rename of its pending
// directory.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

type Mode string

const (
	ModeSnapshot Mode = "snapshot"
	ModeRollback Mode = "rollback"
)

const (
	timestampLayout = "20060102T150405.000000000Z"
	pendingPrefix   = ".pending_"
	staleAfter      = time.Hour
)

// Options is the snapshot task's input record.
type Options struct {
	// Descriptor is the workspace descriptor file. Its directory is the
	// workspace, its base name without extension the workspace name.
	Descriptor string `yaml:"descriptor"`
	Mode       Mode   `yaml:"mode"`

	// Include lists glob patterns matched against the base name or the
	// slash-separated workspace-relative path. Empty includes every file.
	Include []string `yaml:"include"`

	// Root defaults to <project>/.stagehand/snapshots.
	Root string `yaml:"root"`

	// Retain is the number of snapshots kept per workspace. Zero keeps all.
	Retain int `yaml:"retain"`

	Retry tasks.RetryPolicy `yaml:"retry"`
}

// Result is the snapshot task's output record.
type Result struct {
	ID     string   `json:"id"`
	Mode   Mode     `json:"mode"`
	Files  int      `json:"files"`
	Pruned []string `json:"pruned,omitempty"`
	Swept  []string `json:"swept,omitempty"`
	// Skipped counts workspace entries left out for lack of permission.
	Skipped int `json:"skipped,omitempty"`
}

type Task struct {
	name string
	opts Options

	now      func() time.Time
	copyFile func(src, dst string) error
	// beforeCommit runs after staging and before the final rename.
	beforeCommit func(pending string) error
}

var _ tasks.ContextIsolated = (*Task)(nil)

func New(name string, opts Options) *Task {
	if name == "" {
		name = "snapshot"
	}
	return &Task{name: name, opts: opts, now: time.Now, copyFile: tasks.CopyFile}
}

func (t *Task) Name() string { return t.name }

// IsolatedExecution marks the task safe for concurrent scheduling.
func (t *Task) IsolatedExecution() {}

type run struct {
	*Task
	env    taskenv.Context
	log    *zap.Logger
	report *tasks.Report
	result *Result

	workspace string
	wsName    string
	root      string
}

func (t *Task) Run(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
	report := tasks.NewReport(t.name)
	result := &Result{Mode: t.opts.Mode}
	report.Output = result

	r, err := t.prepare(env, report, result)
	if err != nil {
		return report.Finish(err), err
	}

	switch t.opts.Mode {
	case ModeSnapshot:
		err = r.snapshot(ctx)
	case ModeRollback:
		err = r.rollback(ctx)
	}
	if err != nil {
		return report.Finish(err), err
	}

	logging.TasksDebug("snapshot %s: mode=%s id=%s files=%d pruned=%d",
		t.name, t.opts.Mode, result.ID, result.Files, len(result.Pruned))
	return report.Finish(nil), nil
}

func (t *Task) prepare(env taskenv.Context, report *tasks.Report, result *Result) (*run, error) {
	if t.opts.Mode != ModeSnapshot && t.opts.Mode != ModeRollback {
		return nil, tasks.ConfigError("snapshot mode must be %q or %q, got %q", ModeSnapshot, ModeRollback, t.opts.Mode)
	}
	if t.opts.Descriptor == "" {
		return nil, tasks.ConfigError("snapshot requires a workspace descriptor")
	}
	if t.opts.Retain < 0 {
		return nil, tasks.ConfigError("retain must not be negative")
	}
	for _, p := range t.opts.Include {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, tasks.ConfigError("invalid include pattern %q: %v", p, err)
		}
	}

	descriptor, err := env.ResolvePath(t.opts.Descriptor)
	if err != nil {
		return nil, tasks.ConfigError("cannot resolve descriptor %q: %v", t.opts.Descriptor, err)
	}
	if info, err := os.Stat(descriptor); err != nil || info.IsDir() {
		return nil, tasks.ConfigError("workspace descriptor %s is not a file", descriptor)
	}

	rootInput := t.opts.Root
	if rootInput == "" {
		rootInput = filepath.Join(".stagehand", "snapshots")
	}
	root, err := env.ResolvePath(rootInput)
	if err != nil {
		return nil, tasks.ConfigError("cannot resolve snapshot root %q: %v", rootInput, err)
	}

	base := filepath.Base(descriptor)
	return &run{
		Task:      t,
		env:       env,
		log:       env.Logger().With(zap.String("task", t.name)),
		report:    report,
		result:    result,
		workspace: filepath.Dir(descriptor),
		wsName:    strings.TrimSuffix(base, filepath.Ext(base)),
		root:      root,
	}, nil
}

func (r *run) snapshot(ctx context.Context) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot root: %w", err)
	}
	now := r.now()
	r.sweepPending(now)

	pending := filepath.Join(r.root, pendingPrefix+uuid.NewString())
	if err := os.Mkdir(pending, 0o755); err != nil {
		return fmt.Errorf("failed to create pending snapshot: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(pending); err != nil {
				r.log.Warn("failed to remove pending snapshot", zap.String("path", pending), zap.Error(err))
			}
		}
	}()

	files, err := r.stage(ctx, pending)
	if err != nil {
		return err
	}
	if err := syncDir(pending); err != nil {
		return err
	}
	if r.beforeCommit != nil {
		if err := r.beforeCommit(pending); err != nil {
			return err
		}
	}

	id := r.wsName + "_" + now.UTC().Format(timestampLayout)
	final := filepath.Join(r.root, id)
	if err := os.Rename(pending, final); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	committed = true
	_ = syncDir(r.root)

	r.result.ID = id
	r.result.Files = files
	r.log.Info("snapshot committed", zap.String("id", id), zap.Int("files", files))

	r.prune()
	return nil
}

// stage copies every included workspace file into pending. Entries that
// cannot be read for lack of permission are reported and skipped; any other
// failure aborts the snapshot.
func (r *run) stage(ctx context.Context, pending string) (int, error) {
	files := 0
	err := filepath.WalkDir(r.workspace, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == r.workspace || tasks.Classify(err) != tasks.KindPermission {
				return err
			}
			r.skip(path, "", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".stagehand" || path == r.root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.workspace, path)
		if err != nil {
			return err
		}
		if !r.included(filepath.ToSlash(rel), d.Name()) {
			return nil
		}

		dest := filepath.Join(pending, rel)
		err = tasks.Retry(ctx, r.opts.Retry, func() error { return r.copyFile(path, dest) },
			func(err error, wait time.Duration) {
				r.log.Debug("copy failed, retrying", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
			})
		if err != nil {
			if tasks.Classify(err) == tasks.KindPermission {
				r.skip(path, dest, err)
				_ = os.Remove(dest)
				return nil
			}
			return fmt.Errorf("failed to stage %s: %w", path, err)
		}
		files++
		return nil
	})
	return files, err
}

func (r *run) skip(path, dest string, err error) {
	r.report.Item(r.log, path, dest, err)
	r.result.Skipped++
}

func (r *run) included(rel, base string) bool {
	if len(r.opts.Include) == 0 {
		return true
	}
	for _, p := range r.opts.Include {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

type snapshotDir struct {
	name    string
	created time.Time
}

// committedSnapshots lists this workspace's snapshots, newest first.
// Pending directories never qualify.
func (r *run) committedSnapshots() ([]snapshotDir, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := r.wsName + "_"
	var out []snapshotDir
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, pendingPrefix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		created, err := time.Parse(timestampLayout, stamp)
		if err != nil {
			// Another workspace whose name extends ours.
			if strings.Contains(stamp, "_") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			created = info.ModTime()
		}
		out = append(out, snapshotDir{name: name, created: created})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].name > out[j].name
		}
		return out[i].created.After(out[j].created)
	})
	return out, nil
}

// prune removes snapshots beyond the retention count, oldest last in
// the listing. Failures are reported per snapshot.
func (r *run) prune() {
	if r.opts.Retain <= 0 {
		return
	}
	snaps, err := r.committedSnapshots()
	if err != nil {
		r.report.Item(r.log, r.root, "", err)
		return
	}
	if len(snaps) <= r.opts.Retain {
		return
	}
	for _, s := range snaps[r.opts.Retain:] {
		path := filepath.Join(r.root, s.name)
		if err := os.RemoveAll(path); err != nil {
			r.report.Item(r.log, path, "", err)
			continue
		}
		r.result.Pruned = append(r.result.Pruned, s.name)
	}
}

// sweepPending removes staging directories abandoned by interrupted runs.
// Young ones may belong to a concurrent invocation and are left alone.
func (r *run) sweepPending(now time.Time) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return
	}
	cutoff := now.Add(-staleAfter)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), pendingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(r.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			r.report.Item(r.log, path, "", err)
			continue
		}
		r.result.Swept = append(r.result.Swept, e.Name())
	}
}

func (r *run) rollback(ctx context.Context) error {
	snaps, err := r.committedSnapshots()
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return tasks.ConfigError("no snapshot found for workspace %q in %s", r.wsName, r.root)
	}
	latest := snaps[0].name
	src := filepath.Join(r.root, latest)
	r.result.ID = latest

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			r.report.Item(r.log, path, "", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(r.workspace, rel)
		if err := r.restoreFile(ctx, path, dest); err != nil {
			r.report.Item(r.log, path, dest, err)
			return nil
		}
		r.result.Files++
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("snapshot restored", zap.String("id", latest), zap.Int("files", r.result.Files))
	return nil
}

// restoreFile replaces dest atomically with the captured copy.
func (r *run) restoreFile(ctx context.Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return tasks.Retry(ctx, r.opts.Retry, func() error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		return tasks.AtomicReplace(r.env, dest, info.Mode().Perm(), func(w io.Writer) error {
			_, err := io.Copy(w, in)
			return err
		})
	}, func(err error, wait time.Duration) {
		r.log.Debug("restore failed, retrying", zap.String("path", dest), zap.Duration("wait", wait), zap.Error(err))
	})
}
