package taskenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// LaunchConfig describes one external tool invocation. It only builds the
// configuration; running it (and enforcing Timeout) is the executor's job.
type LaunchConfig struct {
	Executable string
	Args       []string

	// Dir is pre-set to the project directory.
	Dir string

	Stdin         io.Reader
	CaptureStdout bool
	CaptureStderr bool
	MergeStderr   bool

	// Timeout bounds the child's lifetime. Zero means the executor default.
	Timeout time.Duration

	env    map[string]string
	source map[string]string
	style  PathStyle
}

// Inherit copies the named variables from the invocation's overlay, as it
// was when the config was built. Unknown names are ignored.
func (c *LaunchConfig) Inherit(names ...string) *LaunchConfig {
	for _, name := range names {
		if v, ok := c.source[name]; ok {
			c.env[name] = v
			continue
		}
		if c.style == StyleWindows {
			for k, v := range c.source {
				if strings.EqualFold(k, name) {
					c.env[k] = v
					break
				}
			}
		}
	}
	return c
}

func (c *LaunchConfig) Setenv(name, value string) error {
	if !validEnvName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
	}
	c.env[name] = value
	return nil
}

func (c *LaunchConfig) Unsetenv(name string) {
	delete(c.env, name)
}

// Lookup returns a variable from the child's environment.
func (c *LaunchConfig) Lookup(name string) (string, bool) {
	if v, ok := c.env[name]; ok {
		return v, true
	}
	if c.style == StyleWindows {
		for k, v := range c.env {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return "", false
}

// Environ returns the child's environment as sorted KEY=VALUE pairs. The
// result is never nil, so exec.Cmd never falls back to os.Environ.
func (c *LaunchConfig) Environ() []string {
	out := make([]string, 0, len(c.env))
	for k, v := range c.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// CommandString returns the command line for display and logging.
func (c *LaunchConfig) CommandString() string {
	if len(c.Args) == 0 {
		return c.Executable
	}
	return c.Executable + " " + strings.Join(c.Args, " ")
}

// ResolveExecutable locates Executable using the config's own PATH and Dir.
// Relative PATH entries are skipped since they would depend on the process
// working directory.
func (c *LaunchConfig) ResolveExecutable() (string, error) {
	exe := c.Executable
	if exe == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrExecutableNotFound)
	}

	if filepath.IsAbs(exe) {
		return c.findCandidate(exe)
	}
	if strings.ContainsAny(exe, `/\`) {
		if !filepath.IsAbs(c.Dir) {
			return "", fmt.Errorf("%w: %q is relative and launch dir %q is not absolute", ErrExecutableNotFound, exe, c.Dir)
		}
		return c.findCandidate(filepath.Join(c.Dir, exe))
	}

	pathVar, _ := c.Lookup("PATH")
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if found, err := c.findCandidate(filepath.Join(dir, exe)); err == nil {
			return found, nil
		}
	}
	return "", fmt.Errorf("%w: %q not on the launch PATH", ErrExecutableNotFound, exe)
}

func (c *LaunchConfig) findCandidate(path string) (string, error) {
	candidates := []string{path}
	if runtime.GOOS == "windows" && filepath.Ext(path) == "" {
		exts, ok := c.Lookup("PATHEXT")
		if !ok {
			exts = ".com;.exe;.bat;.cmd"
		}
		candidates = candidates[:0]
		for _, ext := range strings.Split(strings.ToLower(exts), ";") {
			if ext != "" {
				candidates = append(candidates, path+ext)
			}
		}
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
}

// Command builds an exec.Cmd bound to this configuration. Output wiring is
// left to the caller.
func (c *LaunchConfig) Command(ctx context.Context) (*exec.Cmd, error) {
	exe, err := c.ResolveExecutable()
	if err != nil {
		return nil, err
	}
	if c.Dir == "" {
		return nil, errors.New("launch config has no working directory")
	}
	cmd := exec.CommandContext(ctx, exe, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Environ()
	cmd.Stdin = c.Stdin
	return cmd, nil
}
