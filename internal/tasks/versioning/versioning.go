// Package versioning stamps a composed version into project descriptors,
// assembly attribute sources and package.json files.
package versioning

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// Options is the versioning task's input record.
type Options struct {
	Files      []string `yaml:"files"`
	Prefix     string   `yaml:"prefix"`
	Suffix     string   `yaml:"suffix"`
	BuildLabel string   `yaml:"build_label"`

	// PreserveOriginals copies each file to <file>.orig before rewriting.
	PreserveOriginals bool `yaml:"preserve_originals"`

	Retry tasks.RetryPolicy `yaml:"retry"`
}

type VersionChange struct {
	Path     string `json:"path"`
	Previous string `json:"previous"`
	New      string `json:"new"`
	Backup   string `json:"backup,omitempty"`
}

// Result is the versioning task's output record.
type Result struct {
	Version  string          `json:"version"`
	Modified []VersionChange `json:"modified,omitempty"`
}

type Task struct {
	name string
	opts Options
}

var _ tasks.ContextIsolated = (*Task)(nil)

func New(name string, opts Options) *Task {
	if name == "" {
		name = "versioning"
	}
	return &Task{name: name, opts: opts}
}

func (t *Task) Name() string { return t.name }

// IsolatedExecution marks the task safe for concurrent scheduling.
func (t *Task) IsolatedExecution() {}

func (t *Task) Run(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
	report := tasks.NewReport(t.name)
	result := &Result{}
	report.Output = result
	log := env.Logger().With(zap.String("task", t.name))

	v, err := Compose(t.opts.Prefix, t.opts.Suffix, t.opts.BuildLabel)
	if err != nil {
		return report.Finish(err), err
	}
	result.Version = v.Semantic

	if len(t.opts.Files) == 0 {
		err := tasks.ConfigError("versioning requires at least one file")
		return report.Finish(err), err
	}
	for _, f := range t.opts.Files {
		if KindOf(f) == KindUnsupported {
			err := tasks.ConfigError("unsupported file type for versioning: %s", f)
			return report.Finish(err), err
		}
	}

	// Every later read, backup and write uses these resolved paths.
	files, err := tasks.ResolveAll(env, t.opts.Files)
	if err != nil {
		return report.Finish(err), err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report.Finish(err), err
		}
		change, changed, err := t.stamp(ctx, env, log, path, v)
		switch {
		case err != nil:
			report.Item(log, path, change.Backup, err)
		case change.Path == "":
			report.Add(log, tasks.Issue{Severity: tasks.SeverityInfo, Path: path, Reason: "no version tokens found"})
		case !changed:
			log.Debug("version already current", zap.String("path", path))
		default:
			result.Modified = append(result.Modified, change)
		}
	}

	logging.TasksDebug("versioning %s: version=%s modified=%d", t.name, v.Semantic, len(result.Modified))
	return report.Finish(nil), nil
}

// stamp rewrites one file. A zero change with a nil error means the file
// had no version tokens.
func (t *Task) stamp(ctx context.Context, env taskenv.Context, log *zap.Logger, path string, v Version) (VersionChange, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return VersionChange{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return VersionChange{}, false, err
	}

	updated, previous, found := rewrite(string(data), KindOf(path), v)
	if !found {
		return VersionChange{}, false, nil
	}
	change := VersionChange{Path: path, Previous: previous, New: v.Semantic}
	if updated == string(data) {
		return change, false, nil
	}

	if t.opts.PreserveOriginals {
		change.Backup = path + ".orig"
		if err := tasks.CopyFile(path, change.Backup); err != nil {
			return change, false, err
		}
	}

	err = tasks.Retry(ctx, t.opts.Retry, func() error {
		return tasks.AtomicWriteFile(env, path, []byte(updated), info.Mode().Perm())
	}, func(err error, wait time.Duration) {
		log.Debug("write failed, retrying", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return change, false, err
	}
	log.Info("version stamped", zap.String("path", path), zap.String("previous", previous), zap.String("new", v.Semantic))
	return change, true, nil
}
