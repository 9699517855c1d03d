package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"stagehand/internal/config"
	"stagehand/internal/conformance"
	"stagehand/internal/orchestrator"
	"stagehand/internal/store"
	"stagehand/internal/tasks"
	"stagehand/internal/tasks/cleanup"
	"stagehand/internal/tasks/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const pipelineYAML = `version: 1
execution:
  max_parallel: 2
  default_timeout: 1m
retry:
  attempts: 2
  initial_interval: 1ms
  max_interval: 1ms
history:
  database: state/history.db
  keep: 5
tasks:
  - name: clean
    type: cleanup
    project: repo
    params:
      targets: [bin]
  - name: stamp
    type: versioning
    project: repo
    params:
      files: [App.csproj]
      prefix: 1.2.3
  - name: eol
    type: normalize
    project: repo
    params:
      root: src
      extensions: .cs
      encoding: utf-8
      fix_line_endings: true
      line_ending: lf
`

func writeRepo(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"repo/bin/out.dll":    "binary",
		"repo/App.csproj":     "<Project><PropertyGroup><Version>0.1.0</Version></PropertyGroup></Project>",
		"repo/src/Program.cs": "class P {}\r\n// x\r\n",
	}
	for rel, content := range files {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	path := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return dir, cfg
}

func TestRunner_RunsPipelineAndRecordsHistory(t *testing.T) {
	dir, cfg := writeRepo(t)

	history, err := store.Open(cfg.HistoryPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	runner, err := NewRunner(cfg, Options{
		Executor: &conformance.RecordingExecutor{},
		History:  history,
		Environ:  []string{"PATH=/usr/bin"},
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 3)
	assert.Zero(t, summary.Failed())
	assert.NotEmpty(t, summary.RunID)

	assert.NoFileExists(t, filepath.Join(dir, "repo", "bin", "out.dll"))
	csproj, err := os.ReadFile(filepath.Join(dir, "repo", "App.csproj"))
	require.NoError(t, err)
	assert.Contains(t, string(csproj), "<Version>1.2.3</Version>")
	program, err := os.ReadFile(filepath.Join(dir, "repo", "src", "Program.cs"))
	require.NoError(t, err)
	assert.Equal(t, "class P {}\n// x\n", string(program))

	run, err := history.Run(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, 3, run.Total)

	outcomes, err := history.Outcomes(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		var report tasks.Report
		require.NoError(t, json.Unmarshal([]byte(o.Report), &report), o.Task)
		assert.Equal(t, o.Task, report.Task)
		assert.Equal(t, "succeeded", o.Status)
	}
}

func TestRunner_FailureRecorded(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`version: 1
history:
  database: h.db
tasks:
  - name: stamp
    type: versioning
    project: .
    params:
      files: [Missing.csproj, notes.txt]
      prefix: "1.0"
`))
	require.NoError(t, err)
	cfg.SetDir(dir)

	history, err := store.Open(cfg.HistoryPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	runner, err := NewRunner(cfg, Options{History: history, Environ: []string{}, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed())
	assert.ErrorIs(t, summary.Outcomes[0].Err, tasks.ErrConfiguration)

	outcomes, err := history.Outcomes(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "failed", outcomes[0].Status)
	assert.Equal(t, "configuration", outcomes[0].Kind)

	run, err := history.Run(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
}

func TestNewRunner_RejectsInvalidConfig(t *testing.T) {
	_, err := NewRunner(config.DefaultConfig(), Options{})
	assert.ErrorContains(t, err, "no tasks")
}

func TestInvocations(t *testing.T) {
	dir, cfg := writeRepo(t)
	cfg.Tasks[0].Timeout = "5s"
	cfg.Tasks[1].Env = map[string]string{"CONFIGURATION": "Release"}

	invs, err := Invocations(cfg, DefaultRegistry(), Deps{})
	require.NoError(t, err)
	require.Len(t, invs, 3)

	assert.Equal(t, filepath.Join(dir, "repo"), invs[0].ProjectDir)
	assert.Equal(t, 5*time.Second, invs[0].Timeout)
	assert.Equal(t, time.Minute, invs[1].Timeout)
	assert.Equal(t, "Release", invs[1].Env["CONFIGURATION"])
	assert.Equal(t, "clean", invs[0].Task.Name())
	assert.True(t, tasks.IsIsolated(invs[0].Task))
}

func TestInvocations_JoinsAllErrors(t *testing.T) {
	cfg, err := config.Parse([]byte(`version: 1
tasks:
  - name: a
    type: teleport
    project: .
  - name: b
    type: cleanup
    project: .
    params:
      targetz: [bin]
`))
	require.NoError(t, err)

	_, err = Invocations(cfg, DefaultRegistry(), Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, tasks.ErrConfiguration)
	assert.Contains(t, err.Error(), `unknown type "teleport"`)
	assert.Contains(t, err.Error(), "targetz")
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"cleanup", "normalize", "packaging", "snapshot", "versioning"}, r.Types())

	custom := func(config.TaskSpec, Deps) (tasks.Task, error) { return nil, nil }
	assert.Error(t, r.Register("cleanup", custom), "duplicate")
	assert.Error(t, r.Register("", custom))
	assert.NoError(t, r.Register("custom", custom))
	assert.Panics(t, func() { r.MustRegister("custom", custom) })
}

func TestFactories_ApplyDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`version: 1
tasks:
  - name: snap
    type: snapshot
    descriptor: ws/app.sln
    params:
      mode: snapshot
  - name: clean
    type: cleanup
    project: .
    params:
      targets: [obj]
      retry:
        attempts: 9
`))
	require.NoError(t, err)
	cfg.SetDir("/pipelines")

	policy := tasks.RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	deps := Deps{Retry: policy, Abs: cfg.Abs}
	reg := DefaultRegistry()

	snap, err := reg.Build(cfg.Tasks[0], deps)
	require.NoError(t, err)
	assert.IsType(t, &snapshot.Task{}, snap)

	clean, err := reg.Build(cfg.Tasks[1], deps)
	require.NoError(t, err)
	assert.IsType(t, &cleanup.Task{}, clean)
}

func TestHistoryRecorder_PanicOutcome(t *testing.T) {
	history, err := store.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	ctx := context.Background()
	runID, err := history.BeginRun(ctx, "p")
	require.NoError(t, err)

	rec := &HistoryRecorder{Store: history, RunID: runID}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	// Outcomes of a cancelled run are still recorded.
	require.NoError(t, rec.Record(cancelled, outcomeFor("boom", errPanicked)))

	outcomes, err := history.Outcomes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "failed", outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "kaboom")
	assert.Empty(t, outcomes[0].Report)
}

var errPanicked = fmt.Errorf("%w: boom: kaboom", orchestrator.ErrTaskPanicked)

func outcomeFor(task string, err error) orchestrator.Outcome {
	now := time.Now()
	return orchestrator.Outcome{
		InvocationID: "inv-" + task,
		Task:         task,
		Err:          err,
		Kind:         tasks.Classify(err),
		Started:      now,
		Finished:     now,
	}
}
