package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"stagehand/internal/config"
	"stagehand/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPipeline = `version: 1
logging:
  level: error
history:
  database: history.db
tasks:
  - name: clean
    type: cleanup
    project: repo
    params:
      targets: [obj]
  - name: stamp
    type: versioning
    project: repo
    params:
      files: [App.csproj]
      prefix: 2.0.0
`

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repo", "obj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo", "obj", "cache.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo", "App.csproj"),
		[]byte("<Project><PropertyGroup><Version>1.0.0</Version></PropertyGroup></Project>"), 0o644))
	path := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// execute runs the root command with fresh global state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, noHistory = config.DefaultFileName, false, false
	onlyTasks, historyLimit = nil, 20
	cfg, logger = nil, nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheck(t *testing.T) {
	path := writePipeline(t, testPipeline)
	out, err := execute(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks OK")
}

func TestCheck_ReportsBadParams(t *testing.T) {
	path := writePipeline(t, strings.Replace(testPipeline, "targets:", "targetz:", 1))
	_, err := execute(t, "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targetz")
}

func TestRunThenHistory(t *testing.T) {
	path := writePipeline(t, testPipeline)
	dir := filepath.Dir(path)

	out, err := execute(t, "run", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 tasks succeeded")
	assert.NoFileExists(t, filepath.Join(dir, "repo", "obj", "cache.bin"))
	csproj, err := os.ReadFile(filepath.Join(dir, "repo", "App.csproj"))
	require.NoError(t, err)
	assert.Contains(t, string(csproj), "<Version>2.0.0</Version>")

	out, err = execute(t, "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Recent runs")
	assert.Contains(t, out, store.RunSucceeded)

	h, err := store.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	runs, err := h.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Len(t, runs, 1)

	out, err = execute(t, "history", "--config", path, runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "clean")
	assert.Contains(t, out, "stamp")
}

func TestRun_FailingTaskFailsCommand(t *testing.T) {
	path := writePipeline(t, strings.Replace(testPipeline, "App.csproj", "Missing.csproj", 1))
	out, err := execute(t, "run", "--config", path, "--no-history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 tasks failed")
	assert.Contains(t, out, "stamp")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), "history.db"))
}

func TestHistory_Disabled(t *testing.T) {
	path := writePipeline(t, testPipeline)
	_, err := execute(t, "history", "--config", path, "--no-history")
	assert.ErrorContains(t, err, "disabled")
}

func TestSelectTasks(t *testing.T) {
	c, err := config.Parse([]byte(testPipeline))
	require.NoError(t, err)

	all, err := selectTasks(c, nil)
	require.NoError(t, err)
	assert.Same(t, c, all)

	one, err := selectTasks(c, []string{"stamp"})
	require.NoError(t, err)
	require.Len(t, one.Tasks, 1)
	assert.Equal(t, "stamp", one.Tasks[0].Name)
	assert.Len(t, c.Tasks, 2)

	_, err = selectTasks(c, []string{"stamp", "deploy"})
	assert.ErrorContains(t, err, `unknown task "deploy"`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchLoop_RerunsOnChange(t *testing.T) {
	path := writePipeline(t, testPipeline)
	initial, err := config.Load(path)
	require.NoError(t, err)
	noHistory = true
	t.Cleanup(func() { noHistory = false })
	logger = zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchLoop(ctx, initial, path, 20*time.Millisecond, out) }()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "tasks succeeded") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Drop the cleanup task; the next run only stamps.
	edited := testPipeline[:strings.Index(testPipeline, "  - name: clean")] +
		testPipeline[strings.Index(testPipeline, "  - name: stamp"):]
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "1 tasks succeeded")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch loop did not stop")
	}
}
