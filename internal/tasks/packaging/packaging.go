// Package packaging verifies declared package references against a local
// package cache: the package directory exists, an assembly compatible with
// the target framework is present, and the package metadata agrees with
// the declared version.
package packaging

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// PackageRef is a declared dependency.
type PackageRef struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
}

func (p PackageRef) String() string { return p.ID + "/" + p.Version }

// Options is the packaging task's input record.
type Options struct {
	Packages []PackageRef `yaml:"packages"`

	// CacheDir falls back to NUGET_PACKAGES, then to
	// <HOME or USERPROFILE>/.nuget/packages, all read from the Context.
	CacheDir        string `yaml:"cache_dir"`
	TargetFramework string `yaml:"target_framework"`
	Strict          bool   `yaml:"strict"`

	// ReportPath defaults to <project>/.stagehand/package-verification.txt.
	ReportPath string `yaml:"report_path"`
}

// Resolved is a package that passed every check.
type Resolved struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Framework string `json:"framework"`
	Assembly  string `json:"assembly"`
}

type Unresolved struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

// Mismatch is a package whose metadata disagrees with its declaration.
type Mismatch struct {
	ID         string `json:"id"`
	Declared   string `json:"declared"`
	Discovered string `json:"discovered"`
}

// Result is the packaging task's output record.
type Result struct {
	ReportPath string       `json:"report_path"`
	CacheDir   string       `json:"cache_dir"`
	Resolved   []Resolved   `json:"resolved,omitempty"`
	Unresolved []Unresolved `json:"unresolved,omitempty"`
	Mismatches []Mismatch   `json:"mismatches,omitempty"`
}

const (
	reasonNotFound   = "package directory not found"
	reasonNoMetadata = "package metadata not found"
)

type Task struct {
	name string
	opts Options
}

var _ tasks.ContextIsolated = (*Task)(nil)

func New(name string, opts Options) *Task {
	if name == "" {
		name = "packaging"
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

	if len(t.opts.Packages) == 0 {
		err := tasks.ConfigError("packaging requires at least one package reference")
		return report.Finish(err), err
	}
	for _, p := range t.opts.Packages {
		if p.ID == "" || p.Version == "" {
			err := tasks.ConfigError("package reference %q is missing an id or version", p.String())
			return report.Finish(err), err
		}
	}
	if strings.TrimSpace(t.opts.TargetFramework) == "" {
		err := tasks.ConfigError("packaging requires a target framework")
		return report.Finish(err), err
	}

	cache, err := cacheRoot(env, t.opts.CacheDir)
	if err != nil {
		return report.Finish(err), err
	}
	result.CacheDir = cache

	reportInput := t.opts.ReportPath
	if reportInput == "" {
		reportInput = filepath.Join(".stagehand", "package-verification.txt")
	}
	reportPath, err := env.ResolvePath(reportInput)
	if err != nil {
		err = tasks.ConfigError("cannot resolve report path %q: %v", reportInput, err)
		return report.Finish(err), err
	}
	result.ReportPath = reportPath

	frameworks := CompatibleFrameworks(t.opts.TargetFramework)
	for _, pkg := range t.opts.Packages {
		if err := ctx.Err(); err != nil {
			return report.Finish(err), err
		}
		t.verify(cache, pkg, frameworks, result)
	}

	for _, u := range result.Unresolved {
		report.Add(log, t.integrityIssue(u.ID+"/"+u.Version, u.Reason))
	}
	for _, m := range result.Mismatches {
		report.Add(log, t.integrityIssue(m.ID, fmt.Sprintf("declared version %s but metadata says %s", m.Declared, m.Discovered)))
	}

	text := renderReport(t.opts.TargetFramework, result)
	if err := tasks.AtomicWriteFile(env, reportPath, []byte(text), 0o644); err != nil {
		err = fmt.Errorf("failed to write verification report: %w", err)
		return report.Finish(err), err
	}

	logging.TasksDebug("packaging %s: resolved=%d unresolved=%d mismatched=%d",
		t.name, len(result.Resolved), len(result.Unresolved), len(result.Mismatches))

	if t.opts.Strict && (len(result.Unresolved) > 0 || len(result.Mismatches) > 0) {
		err := tasks.IntegrityError("%d unresolved and %d mismatched packages", len(result.Unresolved), len(result.Mismatches))
		return report.Finish(err), err
	}
	return report.Finish(nil), nil
}

func (t *Task) integrityIssue(path, reason string) tasks.Issue {
	severity := tasks.SeverityInfo
	if t.opts.Strict {
		severity = tasks.SeverityError
	}
	return tasks.Issue{Severity: severity, Kind: tasks.KindIntegrity, Path: path, Reason: reason}
}

// cacheRoot applies the cache fallback chain.
func cacheRoot(env taskenv.Context, explicit string) (string, error) {
	input := explicit
	if input == "" {
		input = env.Getenv("NUGET_PACKAGES")
	}
	if input == "" {
		home, ok := taskenv.LookupEnvFold(env, "HOME")
		if !ok || home == "" {
			home, ok = taskenv.LookupEnvFold(env, "USERPROFILE")
		}
		if ok && home != "" {
			input = filepath.Join(home, ".nuget", "packages")
		}
	}
	if input == "" {
		return "", tasks.ConfigError("no package cache: set cache_dir, NUGET_PACKAGES or HOME")
	}
	dir, err := env.ResolvePath(input)
	if err != nil {
		return "", tasks.ConfigError("cannot resolve package cache %q: %v", input, err)
	}
	return dir, nil
}

func (t *Task) verify(cache string, pkg PackageRef, frameworks []string, result *Result) {
	id := strings.ToLower(pkg.ID)
	version := strings.ToLower(pkg.Version)
	dir := filepath.Join(cache, id, version)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		result.Unresolved = append(result.Unresolved, Unresolved{ID: pkg.ID, Version: pkg.Version, Reason: reasonNotFound})
		return
	}

	framework, assembly, err := findAssembly(dir, frameworks)
	if err != nil {
		result.Unresolved = append(result.Unresolved, Unresolved{ID: pkg.ID, Version: pkg.Version, Reason: err.Error()})
		return
	}

	discovered, err := readNuspecVersion(filepath.Join(dir, id+".nuspec"))
	if err != nil {
		result.Unresolved = append(result.Unresolved, Unresolved{ID: pkg.ID, Version: pkg.Version, Reason: reasonNoMetadata})
		return
	}
	if !strings.EqualFold(discovered, pkg.Version) {
		result.Mismatches = append(result.Mismatches, Mismatch{ID: pkg.ID, Declared: pkg.Version, Discovered: discovered})
		return
	}

	result.Resolved = append(result.Resolved, Resolved{ID: pkg.ID, Version: pkg.Version, Framework: framework, Assembly: assembly})
}

// findAssembly returns the first framework in preference order whose lib
// folder holds a .dll, and the path of that assembly.
func findAssembly(pkgDir string, frameworks []string) (string, string, error) {
	libDir := filepath.Join(pkgDir, "lib")
	entries, err := os.ReadDir(libDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", "", err
	}

	folders := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			folders[strings.ToLower(e.Name())] = e.Name()
		}
	}

	for _, fw := range frameworks {
		name, ok := folders[fw]
		if !ok {
			continue
		}
		files, err := os.ReadDir(filepath.Join(libDir, name))
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.EqualFold(filepath.Ext(f.Name()), ".dll") {
				return fw, filepath.Join(libDir, name, f.Name()), nil
			}
		}
	}
	return "", "", fmt.Errorf("no compatible assembly for %s", frameworks[0])
}

type nuspec struct {
	Metadata struct {
		ID      string `xml:"id"`
		Version string `xml:"version"`
	} `xml:"metadata"`
}

func readNuspecVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var spec nuspec
	if err := xml.Unmarshal(data, &spec); err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if spec.Metadata.Version == "" {
		return "", fmt.Errorf("%s declares no version", path)
	}
	return strings.TrimSpace(spec.Metadata.Version), nil
}

func renderReport(tfm string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Package verification report\n")
	fmt.Fprintf(&b, "Target framework: %s\n", tfm)
	fmt.Fprintf(&b, "Cache: %s\n\n", r.CacheDir)
	for _, p := range r.Resolved {
		fmt.Fprintf(&b, "OK          %s %s (%s) %s\n", p.ID, p.Version, p.Framework, p.Assembly)
	}
	for _, u := range r.Unresolved {
		fmt.Fprintf(&b, "UNRESOLVED  %s %s: %s\n", u.ID, u.Version, u.Reason)
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(&b, "MISMATCH    %s declared %s, metadata %s\n", m.ID, m.Declared, m.Discovered)
	}
	fmt.Fprintf(&b, "\n%d resolved, %d unresolved, %d mismatched\n", len(r.Resolved), len(r.Unresolved), len(r.Mismatches))
	return b.String()
}
