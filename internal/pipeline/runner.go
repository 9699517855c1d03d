package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/orchestrator"
	"stagehand/internal/store"
	"stagehand/internal/tactile"
	"stagehand/internal/taskenv"
)

// Invocations builds one invocation per declared task. Every spec is
// checked; the returned error joins all problems found.
func Invocations(cfg *config.Config, reg *Registry, deps Deps) ([]orchestrator.Invocation, error) {
	if deps.Abs == nil {
		deps.Abs = cfg.Abs
	}
	var errs []error
	invs := make([]orchestrator.Invocation, 0, len(cfg.Tasks))
	for _, spec := range cfg.Tasks {
		task, err := reg.Build(spec, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		invs = append(invs, orchestrator.Invocation{
			Task:       task,
			ProjectDir: cfg.Abs(spec.Project),
			Descriptor: cfg.Abs(spec.Descriptor),
			Env:        spec.Env,
			Timeout:    cfg.TimeoutFor(spec),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return invs, nil
}

// Options configures a Runner.
type Options struct {
	// Registry defaults to DefaultRegistry().
	Registry *Registry

	// Executor defaults to a DirectExecutor whose audit events go to the
	// tactile log category.
	Executor tactile.Executor

	// History, when set, receives one run record per Run.
	History *store.HistoryStore

	// Environ seeds invocation environments. Nil captures the process
	// environment.
	Environ []string

	Logger *zap.Logger
}

// Runner executes a pipeline configuration.
type Runner struct {
	cfg  *config.Config
	opts Options
}

// NewRunner validates cfg and prepares a Runner.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Executor == nil {
		exec := tactile.NewDirectExecutor()
		exec.SetAuditCallback(func(ev tactile.AuditEvent) {
			logging.TactileDebug("%s: %s (dir=%s)", ev.Type, ev.CommandLine, ev.Dir)
		})
		opts.Executor = exec
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get(logging.CategoryOrchestrator).Zap()
	}
	return &Runner{cfg: cfg, opts: opts}, nil
}

// Summary is the result of one pipeline run.
type Summary struct {
	RunID    string
	Outcomes []orchestrator.Outcome
}

// Failed returns the number of failed invocations.
func (s *Summary) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

// Run executes every task of the pipeline once.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	invs, err := Invocations(r.cfg, r.opts.Registry, Deps{
		Executor: r.opts.Executor,
		Retry:    r.cfg.RetryPolicy(),
		Abs:      r.cfg.Abs,
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	var recorder orchestrator.Recorder
	if r.opts.History != nil {
		runID, err := r.opts.History.BeginRun(ctx, r.cfg.Dir())
		if err != nil {
			return nil, fmt.Errorf("failed to start run history: %w", err)
		}
		summary.RunID = runID
		recorder = &HistoryRecorder{Store: r.opts.History, RunID: runID}
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxParallel:       r.cfg.Execution.MaxParallel,
		InvocationTimeout: r.cfg.GetDefaultTimeout(),
		Environ:           r.opts.Environ,
		SafeBase:          append(append([]string(nil), taskenv.DefaultSafeBase...), r.cfg.Execution.AllowedEnvVars...),
		Logger:            r.opts.Logger,
		Recorder:          recorder,
	})
	defer orch.Close()

	summary.Outcomes = orch.Run(ctx, invs)

	if r.opts.History != nil {
		// The run is closed even when ctx was cancelled mid-way.
		finishCtx := context.WithoutCancel(ctx)
		if _, err := r.opts.History.FinishRun(finishCtx, summary.RunID); err != nil {
			logging.StoreError("failed to finish run %s: %v", summary.RunID, err)
		}
		if keep := r.cfg.History.Keep; keep > 0 {
			if _, err := r.opts.History.Prune(finishCtx, keep); err != nil {
				logging.StoreError("failed to prune history: %v", err)
			}
		}
	}
	return summary, nil
}

// HistoryRecorder writes orchestrator outcomes into the run history.
type HistoryRecorder struct {
	Store *store.HistoryStore
	RunID string
}

// Record implements orchestrator.Recorder.
func (h *HistoryRecorder) Record(ctx context.Context, o orchestrator.Outcome) error {
	rec := store.OutcomeRecord{
		RunID:        h.RunID,
		InvocationID: o.InvocationID,
		Task:         o.Task,
		Isolated:     o.Isolated,
		Status:       "succeeded",
		Started:      o.Started,
		Finished:     o.Finished,
	}
	if o.Report != nil {
		rec.Status = string(o.Report.Status)
		rec.Issues = len(o.Report.Issues)
		if data, err := json.Marshal(o.Report); err == nil {
			rec.Report = string(data)
		} else {
			logging.StoreDebug("report of %s not encodable: %v", o.Task, err)
		}
	}
	if o.Err != nil {
		rec.Status = "failed"
		rec.Kind = o.Kind.String()
		rec.Error = o.Err.Error()
	}
	return h.Store.RecordOutcome(context.WithoutCancel(ctx), rec)
}
