// Package taskenv is the per-invocation execution context for pipeline tasks.
//
// Tasks run concurrently inside one process, so the process working
// directory, the process environment table and the default spawn
// configuration are shared by everyone. A Context replaces all three with
// state owned by a single invocation:
//
//   - ProjectDirectory / ResolvePath / Canonicalize replace os.Getwd and
//     filepath.Abs.
//   - LookupEnv / Setenv / Unsetenv act on a private overlay seeded from an
//     environment snapshot taken by the orchestrator.
//   - BuildProcessLaunchConfig replaces exec.Command's implicit inheritance
//     of cwd and environment.
//   - TempDir replaces os.TempDir for staging.
//
// A Context is created per invocation and discarded afterwards. It must
// never be shared between concurrently running invocations.
package taskenv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context is the surface a task uses instead of ambient process state.
type Context interface {
	InvocationID() string

	ProjectDirectory() (string, error)
	ResolvePath(p string) (string, error)
	Canonicalize(p string) (string, error)
	Style() PathStyle

	LookupEnv(name string) (string, bool)
	Getenv(name string) string
	Setenv(name, value string) error
	Unsetenv(name string)
	Environ() []string

	BuildProcessLaunchConfig() (*LaunchConfig, error)
	TempDir() (string, error)
	Logger() *zap.Logger
}

// DefaultSafeBase lists the variables a child process gets without asking.
// PATH is deliberately absent: callers opt in with LaunchConfig.Inherit.
var DefaultSafeBase = []string{
	"HOME", "USERPROFILE", "SYSTEMROOT", "TMPDIR", "TEMP", "TMP", "LANG", "LC_ALL",
}

// EnvironmentContext is the standard Context implementation.
type EnvironmentContext struct {
	mu sync.Mutex

	id         string
	style      PathStyle
	projectDir string
	descriptor string
	frozen     bool

	overlay  map[string]string
	touched  map[string]struct{}
	safeBase []string

	tempDir string
	logger  *zap.Logger
}

var _ Context = (*EnvironmentContext)(nil)

// Option configures an EnvironmentContext.
type Option func(*EnvironmentContext)

// WithProjectDirectory binds the project directory up front.
func WithProjectDirectory(dir string) Option {
	return func(c *EnvironmentContext) { c.projectDir = dir }
}

// WithDescriptor supplies a descriptor file (project or workspace file)
// whose directory becomes the project directory on first use when none was
// bound explicitly.
func WithDescriptor(path string) Option {
	return func(c *EnvironmentContext) { c.descriptor = path }
}

// WithEnvironment seeds the overlay from an environment snapshot. The map
// is copied.
func WithEnvironment(env map[string]string) Option {
	return func(c *EnvironmentContext) {
		for k, v := range env {
			c.overlay[k] = v
		}
	}
}

// WithEnvironList seeds the overlay from KEY=VALUE pairs.
func WithEnvironList(environ []string) Option {
	return func(c *EnvironmentContext) {
		for _, kv := range environ {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				c.overlay[k] = v
			}
		}
	}
}

func WithStyle(style PathStyle) Option {
	return func(c *EnvironmentContext) { c.style = style }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *EnvironmentContext) { c.logger = l }
}

func WithInvocationID(id string) Option {
	return func(c *EnvironmentContext) { c.id = id }
}

// WithSafeBase overrides DefaultSafeBase.
func WithSafeBase(names []string) Option {
	return func(c *EnvironmentContext) { c.safeBase = append([]string(nil), names...) }
}

// New creates a context for one invocation.
func New(opts ...Option) *EnvironmentContext {
	c := &EnvironmentContext{
		style:    NativeStyle(),
		overlay:  make(map[string]string),
		touched:  make(map[string]struct{}),
		safeBase: DefaultSafeBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("invocation", c.id))
	return c
}

func (c *EnvironmentContext) InvocationID() string { return c.id }

func (c *EnvironmentContext) Style() PathStyle { return c.style }

func (c *EnvironmentContext) Logger() *zap.Logger { return c.logger }

// SetProjectDirectory binds the project directory. It fails once any path
// has been resolved against the previous value.
func (c *EnvironmentContext) SetProjectDirectory(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrProjectDirectoryFrozen
	}
	c.projectDir = dir
	return nil
}

// ProjectDirectory returns the bound root, deriving it from the descriptor
// if necessary. The value is frozen from then on.
func (c *EnvironmentContext) ProjectDirectory() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectDirectoryLocked()
}

func (c *EnvironmentContext) projectDirectoryLocked() (string, error) {
	if c.projectDir == "" && c.descriptor != "" {
		if !c.style.IsAbs(c.descriptor) {
			return "", fmt.Errorf("%w: descriptor %q", ErrRelativeProjectDirectory, c.descriptor)
		}
		c.projectDir = c.parentDir(c.style.Clean(c.descriptor))
	}
	if c.projectDir == "" {
		return "", ErrUninitializedContext
	}
	if !c.style.IsAbs(c.projectDir) {
		return "", fmt.Errorf("%w: %q", ErrRelativeProjectDirectory, c.projectDir)
	}
	c.projectDir = c.style.Clean(c.projectDir)
	c.frozen = true
	return c.projectDir, nil
}

func (c *EnvironmentContext) parentDir(p string) string {
	sep := string(c.style.Separator())
	vol := c.style.VolumeName(p)
	i := strings.LastIndex(p[len(vol):], sep)
	if i < 0 {
		return p
	}
	return c.style.Clean(p[:len(vol)+i+1])
}

// ResolvePath converts p into an absolute path without touching the
// filesystem. Absolute input is returned cleaned; relative input is joined
// onto the project directory.
func (c *EnvironmentContext) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if c.style.IsAbs(p) {
		return c.style.Clean(p), nil
	}
	root, err := c.ProjectDirectory()
	if err != nil {
		return "", err
	}
	return c.style.Resolve(root, p)
}

// Canonicalize resolves p, follows symlinks in the longest existing prefix
// (native style only) and applies the style's case policy. Two spellings
// of the same file canonicalize identically, and the result is a fixed
// point.
func (c *EnvironmentContext) Canonicalize(p string) (string, error) {
	resolved, err := c.ResolvePath(p)
	if err != nil {
		return "", err
	}
	if c.style == NativeStyle() {
		resolved = evalExistingPrefix(resolved)
	}
	return c.style.FoldCase(resolved), nil
}

// evalExistingPrefix evaluates symlinks on the deepest existing ancestor of
// p and re-appends the missing tail.
func evalExistingPrefix(p string) string {
	var tail []string
	cur := p
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func validEnvName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "=\x00")
}

// LookupEnv reads from the overlay only.
func (c *EnvironmentContext) LookupEnv(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.overlay[name]
	return v, ok
}

func (c *EnvironmentContext) Getenv(name string) string {
	v, _ := c.LookupEnv(name)
	return v
}

// Setenv writes to the overlay only.
func (c *EnvironmentContext) Setenv(name, value string) error {
	if !validEnvName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overlay[name] = value
	c.touched[name] = struct{}{}
	return nil
}

// Unsetenv removes name from the overlay. A child process launched later
// will not see it even if it is part of the safe base.
func (c *EnvironmentContext) Unsetenv(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overlay, name)
	c.touched[name] = struct{}{}
}

// Environ returns the overlay as sorted KEY=VALUE pairs.
func (c *EnvironmentContext) Environ() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.overlay))
	for k, v := range c.overlay {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// TempDir returns a scratch directory private to this invocation, located
// under the project directory so staged files can be renamed into place.
func (c *EnvironmentContext) TempDir() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tempDir != "" {
		return c.tempDir, nil
	}
	root, err := c.projectDirectoryLocked()
	if err != nil {
		return "", err
	}
	sep := string(c.style.Separator())
	dir := c.style.Clean(root + sep + ".stagehand" + sep + "tmp" + sep + c.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create invocation temp dir: %w", err)
	}
	c.tempDir = dir
	return dir, nil
}

// Close removes the invocation temp directory if one was created.
func (c *EnvironmentContext) Close() error {
	c.mu.Lock()
	dir := c.tempDir
	c.tempDir = ""
	c.mu.Unlock()
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove invocation temp dir: %w", err)
	}
	return nil
}

// BuildProcessLaunchConfig returns a fresh configuration whose working
// directory is the project directory and whose environment is the safe
// base plus every variable this invocation set or unset.
func (c *EnvironmentContext) BuildProcessLaunchConfig() (*LaunchConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root, err := c.projectDirectoryLocked()
	if err != nil {
		return nil, err
	}

	source := make(map[string]string, len(c.overlay))
	for k, v := range c.overlay {
		source[k] = v
	}

	env := make(map[string]string)
	for _, name := range c.safeBase {
		if v, ok := c.overlay[name]; ok {
			env[name] = v
		}
	}
	for name := range c.touched {
		if v, ok := c.overlay[name]; ok {
			env[name] = v
		} else {
			delete(env, name)
		}
	}

	return &LaunchConfig{
		Dir:           root,
		CaptureStdout: true,
		CaptureStderr: true,
		env:           env,
		source:        source,
		style:         c.style,
	}, nil
}

// LookupEnvFold looks name up exactly, then case-insensitively. Windows
// variables such as Path and PATH are the same variable; the overlay itself
// stays case-sensitive.
func LookupEnvFold(c Context, name string) (string, bool) {
	if v, ok := c.LookupEnv(name); ok {
		return v, true
	}
	for _, kv := range c.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
