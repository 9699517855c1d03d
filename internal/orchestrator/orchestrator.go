// Package orchestrator runs task invocations concurrently inside one
// process. It is the only place that reads ambient process state: the
// environment snapshot is taken here once and handed to each invocation
// as a private copy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stagehand/internal/logging"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// ErrTaskPanicked wraps a panic recovered at the task boundary.
var ErrTaskPanicked = errors.New("task panicked")

// Invocation is one task execution request.
type Invocation struct {
	Task tasks.Task

	// ProjectDir binds the Context's project directory. When empty the
	// directory of Descriptor is used.
	ProjectDir string
	Descriptor string

	// Env is layered over the orchestrator's environment snapshot.
	Env map[string]string

	// Timeout overrides Config.InvocationTimeout when positive.
	Timeout time.Duration
}

// Outcome is the result of one invocation.
type Outcome struct {
	InvocationID string
	Task         string
	Isolated     bool
	Report       *tasks.Report
	Err          error
	Kind         tasks.Kind
	Started      time.Time
	Finished     time.Time
}

func (o Outcome) Failed() bool { return o.Err != nil }

func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Recorder persists outcomes, e.g. into the run history.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome) error
}

// Config tunes an Orchestrator.
type Config struct {
	// MaxParallel bounds concurrently running invocations. Zero or less
	// means unbounded.
	MaxParallel int

	// InvocationTimeout bounds each invocation. Zero means no limit.
	InvocationTimeout time.Duration

	// Environ is the environment snapshot invocations are seeded from.
	// When nil the process environment is captured by New.
	Environ []string

	// SafeBase overrides taskenv.DefaultSafeBase for launched processes.
	SafeBase []string

	Logger   *zap.Logger
	Recorder Recorder

	// ErrorBuffer sizes the Errors channel. Default 64.
	ErrorBuffer int
}

type Orchestrator struct {
	cfg      Config
	snapshot map[string]string
	log      *zap.Logger

	// exclusive is held for reading by isolated tasks and for writing by
	// untagged ones, so an untagged task never overlaps anything.
	exclusive sync.RWMutex

	errMu  sync.RWMutex
	errs   chan Outcome
	closed bool
}

func New(cfg Config) *Orchestrator {
	environ := cfg.Environ
	if environ == nil {
		environ = os.Environ()
	}
	snapshot := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			snapshot[k] = v
		}
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = 64
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Get(logging.CategoryOrchestrator).Zap()
	}
	return &Orchestrator{
		cfg:      cfg,
		snapshot: snapshot,
		log:      log,
		errs:     make(chan Outcome, cfg.ErrorBuffer),
	}
}

// Errors delivers every failed outcome. The channel is buffered; when the
// buffer is full further failures are logged and dropped, never blocking
// a running invocation. Outcomes are always returned by Run as well.
func (o *Orchestrator) Errors() <-chan Outcome {
	return o.errs
}

// Close closes the Errors channel. Run must not be called afterwards.
func (o *Orchestrator) Close() {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.errs)
	}
}

// Run executes invs and returns their outcomes in input order. Failures of
// one invocation never cancel the others; only ctx does.
func (o *Orchestrator) Run(ctx context.Context, invs []Invocation) []Outcome {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "Run")
	defer timer.Stop()

	outcomes := make([]Outcome, len(invs))
	var g errgroup.Group
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}

	for i := range invs {
		i := i
		g.Go(func() error {
			outcomes[i] = o.invoke(ctx, invs[i])
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, oc := range outcomes {
		if oc.Failed() {
			failed++
		}
	}
	logging.Orchestrator("run finished: %d invocations, %d failed", len(invs), failed)
	return outcomes
}

func (o *Orchestrator) invoke(ctx context.Context, inv Invocation) Outcome {
	id := uuid.NewString()
	name := "<nil>"
	if inv.Task != nil {
		name = inv.Task.Name()
	}
	isolated := inv.Task != nil && tasks.IsIsolated(inv.Task)
	out := Outcome{InvocationID: id, Task: name, Isolated: isolated}

	if isolated {
		o.exclusive.RLock()
		defer o.exclusive.RUnlock()
	} else {
		logging.OrchestratorDebug("task %s is not context-isolated; running exclusively", name)
		o.exclusive.Lock()
		defer o.exclusive.Unlock()
	}

	out.Started = time.Now()
	out.Report, out.Err = o.execute(ctx, id, inv)
	out.Finished = time.Now()

	if out.Report == nil {
		out.Report = tasks.NewReport(name)
		out.Report.Started = out.Started
		out.Report.Finish(out.Err)
	}
	if out.Err != nil {
		out.Kind = tasks.Classify(out.Err)
		o.log.Error("invocation failed",
			zap.String("invocation", id),
			zap.String("task", name),
			zap.Stringer("kind", out.Kind),
			zap.Error(out.Err))
		o.publish(out)
	} else {
		o.log.Info("invocation succeeded",
			zap.String("invocation", id),
			zap.String("task", name),
			zap.Duration("duration", out.Duration()))
	}

	if o.cfg.Recorder != nil {
		if err := o.cfg.Recorder.Record(ctx, out); err != nil {
			logging.OrchestratorWarn("failed to record outcome of %s: %v", name, err)
		}
	}
	return out
}

// execute builds the invocation's Context and runs the task, converting a
// panic into an error.
func (o *Orchestrator) execute(ctx context.Context, id string, inv Invocation) (report *tasks.Report, err error) {
	if inv.Task == nil {
		return nil, tasks.ConfigError("invocation has no task")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := o.newContext(id, inv)
	defer func() {
		if cerr := env.Close(); cerr != nil {
			logging.OrchestratorWarn("invocation %s: %v", id, cerr)
		}
	}()

	timeout := o.cfg.InvocationTimeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			logging.OrchestratorError("PANIC RECOVERED in task %s (invocation %s): %v", inv.Task.Name(), id, p)
			report = nil
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanicked, inv.Task.Name(), p)
		}
	}()
	return inv.Task.Run(ctx, env)
}

// newContext builds a fresh Context from a private copy of the snapshot.
func (o *Orchestrator) newContext(id string, inv Invocation) *taskenv.EnvironmentContext {
	env := make(map[string]string, len(o.snapshot)+len(inv.Env))
	for k, v := range o.snapshot {
		env[k] = v
	}
	for k, v := range inv.Env {
		env[k] = v
	}

	opts := []taskenv.Option{
		taskenv.WithInvocationID(id),
		taskenv.WithEnvironment(env),
		taskenv.WithLogger(o.log.With(zap.String("task", inv.Task.Name()))),
	}
	if inv.ProjectDir != "" {
		opts = append(opts, taskenv.WithProjectDirectory(inv.ProjectDir))
	}
	if inv.Descriptor != "" {
		opts = append(opts, taskenv.WithDescriptor(inv.Descriptor))
	}
	if o.cfg.SafeBase != nil {
		opts = append(opts, taskenv.WithSafeBase(o.cfg.SafeBase))
	}
	logging.ContextDebug("invocation %s: context for %s (project=%q descriptor=%q)", id, inv.Task.Name(), inv.ProjectDir, inv.Descriptor)
	return taskenv.New(opts...)
}

func (o *Orchestrator) publish(out Outcome) {
	o.errMu.RLock()
	defer o.errMu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.errs <- out:
	default:
		logging.OrchestratorWarn("error channel full; dropping failure of %s", out.Task)
	}
}
