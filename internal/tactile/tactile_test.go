package tactile

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"stagehand/internal/taskenv"
)

// shellConfig builds a launch config that runs script with /bin/sh inside
// a fresh project directory.
func shellConfig(t *testing.T, script string, opts ...taskenv.Option) *taskenv.LaunchConfig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a POSIX sh")
	}
	opts = append([]taskenv.Option{
		taskenv.WithProjectDirectory(t.TempDir()),
		taskenv.WithEnvironment(map[string]string{"PATH": "/usr/bin:/bin"}),
	}, opts...)
	env := taskenv.New(opts...)

	cfg, err := env.BuildProcessLaunchConfig()
	if err != nil {
		t.Fatalf("BuildProcessLaunchConfig failed: %v", err)
	}
	cfg.Inherit("PATH")
	cfg.Executable = "sh"
	cfg.Args = []string{"-c", script}
	return cfg
}

func TestDirectExecutor_Execute(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "echo hello")

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Success {
		t.Errorf("Expected success, got failure: %s", result.Error)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Output(), "hello") {
		t.Errorf("Expected output to contain 'hello', got: %s", result.Output())
	}
	if result.CommandLine != "sh -c echo hello" {
		t.Errorf("Unexpected command line: %s", result.CommandLine)
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	executor := NewDirectExecutor()

	// A background grandchild keeps the group alive; killing only the
	// direct child would leave Wait blocked on the pipe.
	cfg := shellConfig(t, "sleep 10 & sleep 10; wait")
	cfg.Timeout = 500 * time.Millisecond

	start := time.Now()
	result, err := executor.Execute(context.Background(), cfg)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got: %v", err)
	}
	if result == nil || !result.Killed {
		t.Fatalf("Expected command to be killed")
	}
	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("Expected kill reason to mention timeout, got: %s", result.KillReason)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Timeout didn't work, elapsed: %v", elapsed)
	}
}

func TestDirectExecutor_TimeoutCappedByMax(t *testing.T) {
	config := DefaultExecutorConfig()
	config.MaxTimeout = 300 * time.Millisecond
	executor := NewDirectExecutorWithConfig(config)

	cfg := shellConfig(t, "sleep 10")
	cfg.Timeout = time.Hour

	start := time.Now()
	_, err := executor.Execute(context.Background(), cfg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("MaxTimeout not applied, elapsed: %v", elapsed)
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "exit 3")

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Success should be true (command ran)
	if !result.Success {
		t.Errorf("Expected success=true for non-zero exit, got: %s", result.Error)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if !result.IsNonZeroExit() {
		t.Errorf("Expected IsNonZeroExit")
	}
}

func TestDirectExecutor_ExecutableNotOnLaunchPath(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "true")
	cfg.Executable = "nonexistent_command_12345"

	var events []AuditEvent
	executor.SetAuditCallback(func(e AuditEvent) { events = append(events, e) })

	result, err := executor.Execute(context.Background(), cfg)
	if !errors.Is(err, taskenv.ErrExecutableNotFound) {
		t.Fatalf("Expected ErrExecutableNotFound, got: %v", err)
	}
	if result.Success {
		t.Errorf("Expected failure for invalid command")
	}
	if result.Error == "" {
		t.Errorf("Expected error message for invalid command")
	}
	if len(events) != 1 || events[0].Type != AuditEventError {
		t.Errorf("Expected a single error audit event, got: %+v", events)
	}
}

func TestDirectExecutor_WorkingDirectoryIsProject(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "pwd")

	decoy := t.TempDir()
	t.Chdir(decoy)

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := filepath.EvalSymlinks(strings.TrimSpace(result.Stdout))
	want, _ := filepath.EvalSymlinks(cfg.Dir)
	if got != want {
		t.Errorf("Expected child cwd %s, got: %s", want, got)
	}
}

func TestDirectExecutor_EnvironmentNotInherited(t *testing.T) {
	t.Setenv("STAGEHAND_HOST_SECRET", "leaked")

	executor := NewDirectExecutor()
	cfg := shellConfig(t, `echo "secret=$STAGEHAND_HOST_SECRET build=$BUILD_ID"`)
	if err := cfg.Setenv("BUILD_ID", "7"); err != nil {
		t.Fatal(err)
	}

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "secret= build=7" {
		t.Errorf("Unexpected child environment: %q", got)
	}
}

func TestDirectExecutor_OutputCapture(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "echo stdout; echo stderr >&2")

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(result.Stdout, "stdout") {
		t.Errorf("Expected stdout to contain 'stdout', got: %s", result.Stdout)
	}
	if !strings.Contains(result.Stderr, "stderr") {
		t.Errorf("Expected stderr to contain 'stderr', got: %s", result.Stderr)
	}
	if result.Combined != "stdout\n\nstderr\n" {
		t.Errorf("Unexpected combined output: %q", result.Combined)
	}
}

func TestDirectExecutor_MergeStderr(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "echo one; echo two >&2; echo three")
	cfg.MergeStderr = true

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "one\ntwo\nthree\n" {
		t.Errorf("Expected interleaved output, got: %q", result.Stdout)
	}
	if result.Stderr != "" {
		t.Errorf("Expected empty stderr, got: %q", result.Stderr)
	}
}

func TestDirectExecutor_Stdin(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "cat")
	cfg.Stdin = strings.NewReader("from stdin")

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "from stdin" {
		t.Errorf("Expected stdin echoed, got: %q", result.Stdout)
	}
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	config := DefaultExecutorConfig()
	config.MaxOutputBytes = 50 // Very small limit
	executor := NewDirectExecutorWithConfig(config)

	cfg := shellConfig(t, "echo "+strings.Repeat("A", 100))

	result, err := executor.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Truncated {
		t.Errorf("Expected output to be truncated, got output of len=%d", len(result.Stdout))
	}
	if len(result.Stdout) != 50 {
		t.Errorf("Expected 50 captured bytes, got %d", len(result.Stdout))
	}
	if result.TruncatedBytes != 51 {
		t.Errorf("Expected 51 truncated bytes, got %d", result.TruncatedBytes)
	}
}

func TestDirectExecutor_ContextCancellation(t *testing.T) {
	executor := NewDirectExecutor()
	cfg := shellConfig(t, "sleep 10")

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := executor.Execute(ctx, cfg)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if !result.Killed {
		t.Errorf("Expected command to be killed")
	}
	if !strings.Contains(result.KillReason, "canceled") {
		t.Errorf("Expected kill reason to mention canceled, got: %s", result.KillReason)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Cancellation didn't work quickly, elapsed: %v", elapsed)
	}
}

func TestDirectExecutor_AuditEvents(t *testing.T) {
	var mu sync.Mutex
	var types []AuditEventType

	config := DefaultExecutorConfig()
	config.AuditCallback = func(e AuditEvent) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if e.ExecutorName != "direct" {
			t.Errorf("Expected executor name 'direct', got: %s", e.ExecutorName)
		}
	}
	executor := NewDirectExecutorWithConfig(config)

	if _, err := executor.Execute(context.Background(), shellConfig(t, "true")); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != AuditEventStart || types[1] != AuditEventComplete {
		t.Errorf("Unexpected audit sequence: %v", types)
	}
}

func TestDirectExecutor_ConcurrentConfigsStayIsolated(t *testing.T) {
	executor := NewDirectExecutor()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		cfg := shellConfig(t, `echo "$SLOT"; pwd`)
		if err := cfg.Setenv("SLOT", string(rune('a'+i))); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := executor.Execute(context.Background(), cfg)
			if err != nil {
				t.Errorf("Execute failed: %v", err)
				return
			}
			lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
			if len(lines) != 2 || lines[0] != string(rune('a'+i)) {
				t.Errorf("slot %d saw %q", i, result.Stdout)
			}
			want, _ := filepath.EvalSymlinks(cfg.Dir)
			got, _ := filepath.EvalSymlinks(lines[len(lines)-1])
			if got != want {
				t.Errorf("slot %d ran in %s, want %s", i, got, want)
			}
		}()
	}
	wg.Wait()
}

func TestDirectExecutor_NilConfig(t *testing.T) {
	_, err := NewDirectExecutor().Execute(context.Background(), nil)
	if !errors.Is(err, ErrNilLaunchConfig) {
		t.Errorf("Expected ErrNilLaunchConfig, got: %v", err)
	}
}

func TestExecutionResult_Helpers(t *testing.T) {
	result := &ExecutionResult{Success: true, ExitCode: 0, Stdout: "out"}
	if result.IsError() {
		t.Error("Expected IsError=false")
	}
	if result.IsNonZeroExit() {
		t.Error("Expected IsNonZeroExit=false")
	}
	if result.Output() != "out" {
		t.Errorf("Expected Output()=out, got %s", result.Output())
	}

	result = &ExecutionResult{Success: true, Stdout: "a", Stderr: "b"}
	if result.Output() != "a\nb" {
		t.Errorf("Expected joined output, got %q", result.Output())
	}

	result = &ExecutionResult{Success: false, Error: "boom"}
	if !result.IsError() {
		t.Error("Expected IsError=true")
	}
}

func TestResourceUsage_TotalCPUTimeMs(t *testing.T) {
	usage := &ResourceUsage{UserTimeMs: 100, SystemTimeMs: 50}
	if usage.TotalCPUTimeMs() != 150 {
		t.Errorf("Expected 150, got %d", usage.TotalCPUTimeMs())
	}
}

func TestExecutorConfig_Timeout(t *testing.T) {
	config := ExecutorConfig{DefaultTimeout: time.Minute, MaxTimeout: 5 * time.Minute}

	tests := []struct {
		requested time.Duration
		want      time.Duration
	}{
		{0, time.Minute},
		{-time.Second, time.Minute},
		{10 * time.Second, 10 * time.Second},
		{time.Hour, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := config.Timeout(tt.requested); got != tt.want {
			t.Errorf("Timeout(%s) = %s, want %s", tt.requested, got, tt.want)
		}
	}

	unbounded := ExecutorConfig{MaxTimeout: time.Minute}
	if got := unbounded.Timeout(0); got != time.Minute {
		t.Errorf("Expected max timeout as fallback, got %s", got)
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, max: 4}

	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write returned %d, %v", n, err)
	}
	lw.Write([]byte("gh"))

	if sb.String() != "abcd" {
		t.Errorf("Expected 'abcd', got %q", sb.String())
	}
	if !lw.truncated || lw.discarded != 4 {
		t.Errorf("Expected truncated with 4 discarded, got %v/%d", lw.truncated, lw.discarded)
	}
}
