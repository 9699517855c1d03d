package conformance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

// Sentinel is placed in the process environment while a task runs under
// the harness. A task that reads the process environment instead of its
// Context would pick it up.
const (
	SentinelName  = "STAGEHAND_AMBIENT_SENTINEL"
	SentinelValue = "ambient-state-was-read"
)

// Fixture describes the invocation the harness builds for a task.
type Fixture struct {
	ProjectDir string
	Descriptor string

	// Env seeds the Context overlay.
	Env map[string]string

	// DecoyEnv is written to the process environment for the duration of
	// the run, with values that must never influence the task.
	DecoyEnv map[string]string

	// Executor, when set, has its launches checked for scoping.
	Executor *RecordingExecutor
}

// Result is what the harness observed.
type Result struct {
	Report  *tasks.Report
	Err     error
	Context *RecordingContext

	// Decoy is the process working directory during the run.
	Decoy string
}

// Run acts as a mock orchestrator: it moves the process into a decoy
// working directory, plants decoy environment variables, runs task with a
// RecordingContext and fails t if the task touched ambient state.
//
// Run changes process-wide state, so tests using it cannot be parallel.
func Run(t testing.TB, task tasks.Task, fx Fixture) Result {
	t.Helper()

	decoy := t.TempDir()
	t.Chdir(decoy)
	t.Setenv(SentinelName, SentinelValue)
	for k, v := range fx.DecoyEnv {
		t.Setenv(k, v)
	}
	before := processEnviron()

	opts := []taskenv.Option{
		taskenv.WithEnvironment(fx.Env),
		taskenv.WithLogger(zaptest.NewLogger(t)),
	}
	if fx.ProjectDir != "" {
		opts = append(opts, taskenv.WithProjectDirectory(fx.ProjectDir))
	}
	if fx.Descriptor != "" {
		opts = append(opts, taskenv.WithDescriptor(fx.Descriptor))
	}
	env := taskenv.New(opts...)
	t.Cleanup(func() { _ = env.Close() })
	rec := NewRecordingContext(env)

	res := Result{Context: rec, Decoy: decoy}
	func() {
		defer func() {
			if p := recover(); p != nil {
				t.Errorf("task %s panicked: %v", task.Name(), p)
			}
		}()
		res.Report, res.Err = task.Run(context.Background(), rec)
	}()

	if diff := cmp.Diff(before, processEnviron()); diff != "" {
		t.Errorf("task %s modified the process environment (-before +after):\n%s", task.Name(), diff)
	}
	if wd, err := os.Getwd(); err != nil || !samePath(wd, decoy) {
		t.Errorf("task %s changed the process working directory to %q", task.Name(), wd)
	}
	if entries, _ := os.ReadDir(decoy); len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("task %s wrote into the process working directory: %v", task.Name(), names)
	}
	if len(rec.Calls()) == 0 {
		t.Errorf("task %s made no Context calls", task.Name())
	}
	if _, ok := fx.Env[SentinelName]; !ok {
		if _, leaked := env.LookupEnv(SentinelName); leaked {
			t.Errorf("task %s copied the process environment into its overlay", task.Name())
		}
	}
	if fx.Executor != nil {
		if err := checkLaunches(fx.Executor.Launches(), env); err != nil {
			t.Errorf("task %s: %v", task.Name(), err)
		}
	}
	return res
}

// checkLaunches verifies every launch ran inside the project directory and
// carried no decoy variables.
func checkLaunches(launches []Launch, env taskenv.Context) error {
	root, err := env.ProjectDirectory()
	if err != nil {
		return err
	}
	for _, l := range launches {
		if !env.Style().Within(root, l.Dir) {
			return fmt.Errorf("launch of %s ran in %q outside project %q", l.Executable, l.Dir, root)
		}
		for _, kv := range l.Env {
			if strings.HasPrefix(kv, SentinelName+"=") {
				return fmt.Errorf("launch of %s inherited the process environment", l.Executable)
			}
		}
	}
	return nil
}

func processEnviron() []string {
	env := os.Environ()
	sort.Strings(env)
	return env
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}
