// Package normalize rewrites text files to a target encoding and a
// uniform line-ending convention.
package normalize

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// Options is the normalization task's input record.
type Options struct {
	Root string `yaml:"root"`

	// Extensions is a semicolon-delimited allow-list such as ".cs;.xml".
	// The leading dot is optional and matching ignores case.
	Extensions string `yaml:"extensions"`

	TargetEncoding string     `yaml:"encoding"`
	FixLineEndings bool       `yaml:"fix_line_endings"`
	LineEnding     LineEnding `yaml:"line_ending"`

	Backup bool `yaml:"backup"`
	// BackupDir defaults to <project>/.stagehand/backup.
	BackupDir string `yaml:"backup_dir"`

	Retry tasks.RetryPolicy `yaml:"retry"`
}

// FileChange describes one rewritten file.
type FileChange struct {
	Path             string   `json:"path"`
	PreviousEncoding Encoding `json:"previous_encoding"`
	AppliedEncoding  Encoding `json:"applied_encoding"`
	LineEndingsFixed bool     `json:"line_endings_fixed"`
}

// Result is the normalization task's output record.
type Result struct {
	Modified       []FileChange `json:"modified,omitempty"`
	Scanned        int          `json:"scanned"`
	Failed         int          `json:"failed"`
	BackupLocation string       `json:"backup_location,omitempty"`
}

const backupStampLayout = "20060102-150405"

type Task struct {
	name string
	opts Options

	now func() time.Time
}

var _ tasks.ContextIsolated = (*Task)(nil)

func New(name string, opts Options) *Task {
	if name == "" {
		name = "normalize"
	}
	return &Task{name: name, opts: opts, now: time.Now}
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

	root      string
	exts      map[string]bool
	codec     codec
	ending    LineEnding
	backupDir string

	// backupLocation is where this run's backups go; it is reported in
	// the result only once a backup exists.
	backupLocation string
}

func (t *Task) Run(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
	report := tasks.NewReport(t.name)
	result := &Result{}
	report.Output = result

	r, err := t.prepare(env, report, result)
	if err != nil {
		return report.Finish(err), err
	}

	err = filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
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
			if d.Name() == ".stagehand" || (r.backupDir != "" && path == r.backupDir) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !r.exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		r.result.Scanned++
		r.normalizeFile(ctx, path)
		return nil
	})
	if err != nil {
		return report.Finish(err), err
	}

	logging.TasksDebug("normalize %s: scanned=%d modified=%d failed=%d",
		t.name, result.Scanned, len(result.Modified), result.Failed)
	return report.Finish(nil), nil
}

// prepare validates the options and resolves every path once.
func (t *Task) prepare(env taskenv.Context, report *tasks.Report, result *Result) (*run, error) {
	exts := make(map[string]bool)
	for _, ext := range tasks.SplitList(t.opts.Extensions) {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	if len(exts) == 0 {
		return nil, tasks.ConfigError("normalize requires at least one extension")
	}

	c, err := lookupCodec(t.opts.TargetEncoding)
	if err != nil {
		return nil, err
	}

	ending := LineEnding(strings.ToLower(string(t.opts.LineEnding)))
	switch ending {
	case "":
		ending = LineEndingAuto
	case LineEndingAuto, LineEndingLF, LineEndingCRLF:
	default:
		return nil, tasks.ConfigError("unknown line ending %q", t.opts.LineEnding)
	}

	rootInput := t.opts.Root
	if rootInput == "" {
		rootInput = "."
	}
	root, err := env.ResolvePath(rootInput)
	if err != nil {
		return nil, tasks.ConfigError("cannot resolve root %q: %v", rootInput, err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, tasks.ConfigError("normalize root %s is not a directory", root)
	}

	var backupDir, backupLocation string
	if t.opts.Backup {
		input := t.opts.BackupDir
		if input == "" {
			input = filepath.Join(".stagehand", "backup")
		}
		base, err := env.ResolvePath(input)
		if err != nil {
			return nil, tasks.ConfigError("cannot resolve backup dir %q: %v", input, err)
		}
		backupDir = base
		backupLocation = filepath.Join(base, t.now().Format(backupStampLayout))
	}

	return &run{
		Task:      t,
		env:       env,
		log:       env.Logger().With(zap.String("task", t.name)),
		report:    report,
		result:    result,
		root:      root,
		exts:      exts,
		codec:     c,
		ending:    ending,
		backupDir: backupDir,

		backupLocation: backupLocation,
	}, nil
}

func (r *run) normalizeFile(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		r.fail(path, "", err)
		return
	}

	previous := DetectEncoding(content)
	text, err := decode(content, previous)
	if err != nil {
		r.fail(path, "", err)
		return
	}

	stats := countLineEndings(text)
	fixEOL := false
	if r.opts.FixLineEndings {
		target := r.ending
		if target == LineEndingAuto {
			target = stats.Dominant()
			fixEOL = stats.Mixed()
		} else {
			fixEOL = !stats.conforms(target)
		}
		if fixEOL {
			text = normalizeLineEndings(text, target)
		}
	}

	if previous == r.codec.name && !fixEOL {
		return
	}

	out, err := r.codec.encode(text)
	if err != nil {
		r.fail(path, "", err)
		return
	}
	// Names differ but the bytes already conform, e.g. pure ASCII
	// detected as utf-8 with an ascii target.
	if bytes.Equal(out, content) {
		return
	}

	if r.backupLocation != "" {
		dest, err := r.backupPath(path)
		if err == nil {
			err = tasks.CopyFile(path, dest)
		}
		if err != nil {
			r.fail(path, dest, err)
			return
		}
		r.result.BackupLocation = r.backupLocation
	}

	info, err := os.Stat(path)
	if err != nil {
		r.fail(path, "", err)
		return
	}
	err = tasks.Retry(ctx, r.opts.Retry, func() error {
		return tasks.AtomicWriteFile(r.env, path, out, info.Mode().Perm())
	}, func(err error, wait time.Duration) {
		r.log.Debug("rewrite failed, retrying", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		r.fail(path, "", err)
		return
	}

	r.result.Modified = append(r.result.Modified, FileChange{
		Path:             path,
		PreviousEncoding: previous,
		AppliedEncoding:  r.codec.name,
		LineEndingsFixed: fixEOL,
	})
	r.log.Info("normalized file",
		zap.String("path", path),
		zap.String("from", string(previous)),
		zap.String("to", string(r.codec.name)),
		zap.Bool("line_endings_fixed", fixEOL))
}

// backupPath mirrors path's position under the root inside the backup
// location.
func (r *run) backupPath(path string) (string, error) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.New("file is outside the normalization root")
	}
	return filepath.Join(r.backupLocation, rel), nil
}

// fail records a per-item failure; the file is left untouched.
func (r *run) fail(path, dest string, err error) {
	r.report.Item(r.log, path, dest, err)
	if tasks.Classify(err) != tasks.KindPermission {
		r.result.Failed++
	}
}
