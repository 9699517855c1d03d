// Package conformance proves that pipeline tasks reach ambient process state
// only through their taskenv.Context. It provides an instrumented Context,
// a recording process launcher, a mock orchestrator that runs a task under
// decoy process state, and a static checker for ambient API calls.
package conformance

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stagehand/internal/taskenv"
)

// Call is one recorded Context method invocation.
type Call struct {
	Method string
	Args   []string
	Result string
	Err    error
}

func (c Call) String() string {
	if c.Err != nil {
		return fmt.Sprintf("%s%v -> error: %v", c.Method, c.Args, c.Err)
	}
	return fmt.Sprintf("%s%v -> %q", c.Method, c.Args, c.Result)
}

// RecordingContext wraps a Context and records every call made through it.
// It is safe for concurrent use.
type RecordingContext struct {
	inner taskenv.Context

	mu    sync.Mutex
	calls []Call
}

var _ taskenv.Context = (*RecordingContext)(nil)

func NewRecordingContext(inner taskenv.Context) *RecordingContext {
	return &RecordingContext{inner: inner}
}

func (r *RecordingContext) record(method string, result string, err error, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args, Result: result, Err: err})
}

// Calls returns a copy of the recorded calls in order.
func (r *RecordingContext) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how often method was called.
func (r *RecordingContext) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (r *RecordingContext) InvocationID() string {
	id := r.inner.InvocationID()
	r.record("InvocationID", id, nil)
	return id
}

func (r *RecordingContext) ProjectDirectory() (string, error) {
	dir, err := r.inner.ProjectDirectory()
	r.record("ProjectDirectory", dir, err)
	return dir, err
}

func (r *RecordingContext) ResolvePath(p string) (string, error) {
	out, err := r.inner.ResolvePath(p)
	r.record("ResolvePath", out, err, p)
	return out, err
}

func (r *RecordingContext) Canonicalize(p string) (string, error) {
	out, err := r.inner.Canonicalize(p)
	r.record("Canonicalize", out, err, p)
	return out, err
}

func (r *RecordingContext) Style() taskenv.PathStyle {
	s := r.inner.Style()
	r.record("Style", s.String(), nil)
	return s
}

func (r *RecordingContext) LookupEnv(name string) (string, bool) {
	v, ok := r.inner.LookupEnv(name)
	r.record("LookupEnv", v, nil, name)
	return v, ok
}

func (r *RecordingContext) Getenv(name string) string {
	v := r.inner.Getenv(name)
	r.record("Getenv", v, nil, name)
	return v
}

func (r *RecordingContext) Setenv(name, value string) error {
	err := r.inner.Setenv(name, value)
	r.record("Setenv", "", err, name, value)
	return err
}

func (r *RecordingContext) Unsetenv(name string) {
	r.inner.Unsetenv(name)
	r.record("Unsetenv", "", nil, name)
}

func (r *RecordingContext) Environ() []string {
	env := r.inner.Environ()
	r.record("Environ", fmt.Sprintf("%d vars", len(env)), nil)
	return env
}

func (r *RecordingContext) BuildProcessLaunchConfig() (*taskenv.LaunchConfig, error) {
	cfg, err := r.inner.BuildProcessLaunchConfig()
	dir := ""
	if cfg != nil {
		dir = cfg.Dir
	}
	r.record("BuildProcessLaunchConfig", dir, err)
	return cfg, err
}

func (r *RecordingContext) TempDir() (string, error) {
	dir, err := r.inner.TempDir()
	r.record("TempDir", dir, err)
	return dir, err
}

func (r *RecordingContext) Logger() *zap.Logger {
	return r.inner.Logger()
}
