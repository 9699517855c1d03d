package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type funcTask struct {
	name string
	run  func(ctx context.Context, env taskenv.Context) (*tasks.Report, error)
}

func (f *funcTask) Name() string { return f.name }
func (f *funcTask) Run(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
	return f.run(ctx, env)
}

type isolatedTask struct{ funcTask }

func (*isolatedTask) IsolatedExecution() {}

func isolated(name string, run func(context.Context, taskenv.Context) (*tasks.Report, error)) *isolatedTask {
	return &isolatedTask{funcTask{name: name, run: run}}
}

func untagged(name string, run func(context.Context, taskenv.Context) (*tasks.Report, error)) *funcTask {
	return &funcTask{name: name, run: run}
}

func ok(name string) *tasks.Report { return tasks.NewReport(name).Finish(nil) }

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Environ == nil {
		cfg.Environ = []string{"SHARED=base"}
	}
	cfg.Logger = zaptest.NewLogger(t)
	o := New(cfg)
	t.Cleanup(o.Close)
	return o
}

func TestRun_IsolatedInvocationsRunConcurrentlyWithPrivateState(t *testing.T) {
	const n = 4
	o := newOrchestrator(t, Config{MaxParallel: n})

	var started sync.WaitGroup
	started.Add(n)
	type seen struct{ root, resolved, own, shared string }
	results := make([]seen, n)

	var invs []Invocation
	base := t.TempDir()
	for i := 0; i < n; i++ {
		i := i
		invs = append(invs, Invocation{
			ProjectDir: filepath.Join(base, fmt.Sprint(i)),
			Env:        map[string]string{"WHO": fmt.Sprint(i)},
			Task: isolated(fmt.Sprintf("t%d", i), func(ctx context.Context, env taskenv.Context) (*tasks.Report, error) {
				if err := env.Setenv("SHARED", fmt.Sprintf("set-by-%d", i)); err != nil {
					return nil, err
				}
				// Every invocation is in flight before any proceeds.
				started.Done()
				started.Wait()

				root, err := env.ProjectDirectory()
				if err != nil {
					return nil, err
				}
				resolved, err := env.ResolvePath("out")
				if err != nil {
					return nil, err
				}
				results[i] = seen{root: root, resolved: resolved, own: env.Getenv("WHO"), shared: env.Getenv("SHARED")}
				return ok(fmt.Sprintf("t%d", i)), nil
			}),
		})
	}

	outcomes := o.Run(context.Background(), invs)
	require.Len(t, outcomes, n)
	for i, oc := range outcomes {
		require.NoError(t, oc.Err)
		assert.True(t, oc.Isolated)
		assert.Equal(t, fmt.Sprintf("t%d", i), oc.Task)
		assert.Equal(t, filepath.Join(base, fmt.Sprint(i)), results[i].root)
		assert.Equal(t, filepath.Join(base, fmt.Sprint(i), "out"), results[i].resolved)
		assert.Equal(t, fmt.Sprint(i), results[i].own)
		assert.Equal(t, fmt.Sprintf("set-by-%d", i), results[i].shared)
	}
}

func TestRun_SnapshotIsCopiedPerInvocation(t *testing.T) {
	o := newOrchestrator(t, Config{MaxParallel: 1})
	var second string
	invs := []Invocation{
		{ProjectDir: t.TempDir(), Task: isolated("mutate", func(_ context.Context, env taskenv.Context) (*tasks.Report, error) {
			env.Unsetenv("SHARED")
			return ok("mutate"), nil
		})},
		{ProjectDir: t.TempDir(), Task: isolated("read", func(_ context.Context, env taskenv.Context) (*tasks.Report, error) {
			second = env.Getenv("SHARED")
			return ok("read"), nil
		})},
	}
	o.Run(context.Background(), invs)
	assert.Equal(t, "base", second)
}

func TestRun_UntaggedTaskRunsExclusively(t *testing.T) {
	o := newOrchestrator(t, Config{MaxParallel: 8})

	var active, maxDuringExclusive int32
	enter := func() { atomic.AddInt32(&active, 1) }
	leave := func() { atomic.AddInt32(&active, -1) }

	var invs []Invocation
	for i := 0; i < 6; i++ {
		invs = append(invs, Invocation{ProjectDir: t.TempDir(), Task: isolated("iso", func(context.Context, taskenv.Context) (*tasks.Report, error) {
			enter()
			defer leave()
			time.Sleep(5 * time.Millisecond)
			return ok("iso"), nil
		})})
	}
	invs = append(invs[:3], append([]Invocation{{ProjectDir: t.TempDir(), Task: untagged("legacy", func(context.Context, taskenv.Context) (*tasks.Report, error) {
		enter()
		defer leave()
		for i := 0; i < 5; i++ {
			if n := atomic.LoadInt32(&active); n > maxDuringExclusive {
				maxDuringExclusive = n
			}
			time.Sleep(2 * time.Millisecond)
		}
		return ok("legacy"), nil
	})}}, invs[3:]...)...)

	outcomes := o.Run(context.Background(), invs)
	for _, oc := range outcomes {
		require.NoError(t, oc.Err)
	}
	assert.Equal(t, int32(1), maxDuringExclusive)
	assert.False(t, outcomes[3].Isolated)
}

func TestRun_RespectsMaxParallel(t *testing.T) {
	o := newOrchestrator(t, Config{MaxParallel: 2})

	var active, peak int32
	var invs []Invocation
	for i := 0; i < 8; i++ {
		invs = append(invs, Invocation{ProjectDir: t.TempDir(), Task: isolated("w", func(context.Context, taskenv.Context) (*tasks.Report, error) {
			n := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			return ok("w"), nil
		})})
	}
	o.Run(context.Background(), invs)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_PanicIsContained(t *testing.T) {
	o := newOrchestrator(t, Config{})
	invs := []Invocation{
		{ProjectDir: t.TempDir(), Task: isolated("boom", func(context.Context, taskenv.Context) (*tasks.Report, error) {
			panic("kaboom")
		})},
		{ProjectDir: t.TempDir(), Task: isolated("fine", func(context.Context, taskenv.Context) (*tasks.Report, error) {
			return ok("fine"), nil
		})},
	}

	outcomes := o.Run(context.Background(), invs)
	assert.ErrorIs(t, outcomes[0].Err, ErrTaskPanicked)
	assert.Contains(t, outcomes[0].Err.Error(), "kaboom")
	require.NotNil(t, outcomes[0].Report)
	assert.Equal(t, tasks.StatusFailed, outcomes[0].Report.Status)
	assert.NoError(t, outcomes[1].Err)

	select {
	case got := <-o.Errors():
		assert.Equal(t, "boom", got.Task)
	default:
		t.Fatal("failure was not published on the error channel")
	}
}

func TestRun_InvocationTimeout(t *testing.T) {
	o := newOrchestrator(t, Config{InvocationTimeout: 20 * time.Millisecond})
	invs := []Invocation{{ProjectDir: t.TempDir(), Task: isolated("slow", func(ctx context.Context, _ taskenv.Context) (*tasks.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}}

	outcomes := o.Run(context.Background(), invs)
	assert.ErrorIs(t, outcomes[0].Err, context.DeadlineExceeded)
	assert.Less(t, outcomes[0].Duration(), 5*time.Second)
}

func TestRun_ConfigurationFailureIsClassified(t *testing.T) {
	o := newOrchestrator(t, Config{})
	invs := []Invocation{
		{Task: isolated("no-root", func(_ context.Context, env taskenv.Context) (*tasks.Report, error) {
			_, err := env.ResolvePath("x")
			if errors.Is(err, taskenv.ErrUninitializedContext) {
				return nil, tasks.ConfigError("%v", err)
			}
			return ok("no-root"), err
		})},
		{},
	}
	outcomes := o.Run(context.Background(), invs)
	assert.Equal(t, tasks.KindConfiguration, outcomes[0].Kind)
	assert.Equal(t, tasks.KindConfiguration, outcomes[1].Kind, "nil task")
}

func TestRun_DescriptorDerivesProjectDir(t *testing.T) {
	o := newOrchestrator(t, Config{})
	dir := t.TempDir()
	var got string
	o.Run(context.Background(), []Invocation{{
		Descriptor: filepath.Join(dir, "app.sln"),
		Task: isolated("d", func(_ context.Context, env taskenv.Context) (*tasks.Report, error) {
			var err error
			got, err = env.ProjectDirectory()
			return ok("d"), err
		}),
	}})
	assert.Equal(t, dir, got)
}

type memRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *memRecorder) Record(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func TestRun_RecordsEveryOutcome(t *testing.T) {
	rec := &memRecorder{}
	o := newOrchestrator(t, Config{Recorder: rec})
	invs := []Invocation{
		{ProjectDir: t.TempDir(), Task: isolated("a", func(context.Context, taskenv.Context) (*tasks.Report, error) { return ok("a"), nil })},
		{ProjectDir: t.TempDir(), Task: isolated("b", func(context.Context, taskenv.Context) (*tasks.Report, error) {
			return nil, fmt.Errorf("disk: %w", tasks.ErrTransient)
		})},
	}
	o.Run(context.Background(), invs)

	require.Len(t, rec.outcomes, 2)
	kinds := map[string]tasks.Kind{}
	for _, oc := range rec.outcomes {
		kinds[oc.Task] = oc.Kind
		assert.NotEmpty(t, oc.InvocationID)
	}
	assert.Equal(t, tasks.KindUnknown, kinds["a"])
	assert.Equal(t, tasks.KindTransient, kinds["b"])
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	o := newOrchestrator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	outcomes := o.Run(ctx, []Invocation{{ProjectDir: t.TempDir(), Task: isolated("x", func(context.Context, taskenv.Context) (*tasks.Report, error) {
		called = true
		return ok("x"), nil
	})}})
	assert.False(t, called)
	assert.ErrorIs(t, outcomes[0].Err, context.Canceled)
}

func TestPublish_FullBufferDoesNotBlock(t *testing.T) {
	o := newOrchestrator(t, Config{ErrorBuffer: 1})
	fail := func(context.Context, taskenv.Context) (*tasks.Report, error) { return nil, errors.New("no") }
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(context.Background(), []Invocation{
			{ProjectDir: t.TempDir(), Task: isolated("1", fail)},
			{ProjectDir: t.TempDir(), Task: isolated("2", fail)},
			{ProjectDir: t.TempDir(), Task: isolated("3", fail)},
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked on a full error channel")
	}
	assert.Len(t, o.Errors(), 1)
}
