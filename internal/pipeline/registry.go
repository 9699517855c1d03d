// Package pipeline turns a stagehand.yaml pipeline into task invocations
// and runs them through the orchestrator, recording run history.
package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"stagehand/internal/config"
	"stagehand/internal/tactile"
	"stagehand/internal/tasks"
	"stagehand/internal/tasks/cleanup"
	"stagehand/internal/tasks/normalize"
	"stagehand/internal/tasks/packaging"
	"stagehand/internal/tasks/snapshot"
	"stagehand/internal/tasks/versioning"
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	// Executor launches external processes for tasks that need them.
	Executor tactile.Executor

	// Retry is applied to tasks whose params set no retry policy.
	Retry tasks.RetryPolicy

	// Abs anchors a pipeline-relative path. Nil leaves paths unchanged.
	Abs func(string) string
}

func (d Deps) abs(p string) string {
	if d.Abs == nil {
		return p
	}
	return d.Abs(p)
}

func (d Deps) retry(p tasks.RetryPolicy) tasks.RetryPolicy {
	if p == (tasks.RetryPolicy{}) {
		return d.Retry
	}
	return p
}

// Factory builds a task from its pipeline declaration.
type Factory func(spec config.TaskSpec, deps Deps) (tasks.Task, error)

// Registry maps task type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in task type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("cleanup", newCleanup)
	r.MustRegister("normalize", newNormalize)
	r.MustRegister("packaging", newPackaging)
	r.MustRegister("versioning", newVersioning)
	r.MustRegister("snapshot", newSnapshot)
	return r
}

// Register adds a factory. Registering a type twice is an error.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("invalid registration for task type %q", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("task type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(typ string, f Factory) {
	if err := r.Register(typ, f); err != nil {
		panic(err)
	}
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build constructs the task declared by spec.
func (r *Registry) Build(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, tasks.ConfigError("task %q: unknown type %q (known: %v)", spec.Name, spec.Type, r.Types())
	}
	t, err := f(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tasks.ErrConfiguration, err)
	}
	return t, nil
}

func newCleanup(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	var opts cleanup.Options
	if err := spec.DecodeParams(&opts); err != nil {
		return nil, err
	}
	opts.Retry = deps.retry(opts.Retry)
	return cleanup.New(spec.Name, opts, deps.Executor), nil
}

func newNormalize(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	var opts normalize.Options
	if err := spec.DecodeParams(&opts); err != nil {
		return nil, err
	}
	opts.Retry = deps.retry(opts.Retry)
	return normalize.New(spec.Name, opts), nil
}

func newPackaging(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	var opts packaging.Options
	if err := spec.DecodeParams(&opts); err != nil {
		return nil, err
	}
	return packaging.New(spec.Name, opts), nil
}

func newVersioning(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	var opts versioning.Options
	if err := spec.DecodeParams(&opts); err != nil {
		return nil, err
	}
	opts.Retry = deps.retry(opts.Retry)
	return versioning.New(spec.Name, opts), nil
}

// newSnapshot defaults the snapshot descriptor to the invocation's.
func newSnapshot(spec config.TaskSpec, deps Deps) (tasks.Task, error) {
	var opts snapshot.Options
	if err := spec.DecodeParams(&opts); err != nil {
		return nil, err
	}
	if opts.Descriptor == "" {
		opts.Descriptor = deps.abs(spec.Descriptor)
	}
	opts.Retry = deps.retry(opts.Retry)
	return snapshot.New(spec.Name, opts), nil
}
