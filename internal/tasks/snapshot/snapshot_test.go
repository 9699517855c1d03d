package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/conformance"
	"stagehand/internal/taskenv"
	"stagehand/internal/tasks"
)

type workspace struct {
	root       string
	descriptor string
	snapRoot   string
}

func newWorkspace(t *testing.T, files map[string]string) workspace {
	t.Helper()
	root := t.TempDir()
	ws := filepath.Join(root, "ws")
	for rel, content := range files {
		p := filepath.Join(ws, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	desc := filepath.Join(ws, "app.sln")
	require.NoError(t, os.WriteFile(desc, []byte("solution"), 0o644))
	return workspace{root: root, descriptor: desc, snapRoot: filepath.Join(root, "snapshots")}
}

// clock returns a now func that advances one second per call.
func clock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func runTask(t *testing.T, w workspace, task *Task) (*tasks.Report, *Result, error) {
	t.Helper()
	env := taskenv.New(taskenv.WithProjectDirectory(w.root))
	t.Cleanup(func() { _ = env.Close() })
	report, err := task.Run(context.Background(), env)
	return report, report.Output.(*Result), err
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestSnapshotThenRollbackRestoresFiles(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x-original", "sub/Y": "y-original"})

	snap := New("snap", Options{Descriptor: "ws/app.sln", Mode: ModeSnapshot, Root: "snapshots"})
	res := conformance.Run(t, snap, conformance.Fixture{ProjectDir: w.root})
	require.NoError(t, res.Err)
	created := res.Report.Output.(*Result)
	assert.Regexp(t, `^app_\d{8}T\d{6}\.\d{9}Z$`, created.ID)
	assert.Equal(t, 3, created.Files)

	require.NoError(t, os.WriteFile(filepath.Join(w.root, "ws", "X"), []byte("x-changed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(w.root, "ws", "sub", "Y"), []byte("y-changed"), 0o644))

	rollback := New("rollback", Options{Descriptor: "ws/app.sln", Mode: ModeRollback, Root: "snapshots"})
	res = conformance.Run(t, rollback, conformance.Fixture{ProjectDir: w.root})
	require.NoError(t, res.Err)
	restored := res.Report.Output.(*Result)
	assert.Equal(t, created.ID, restored.ID)
	assert.Equal(t, 3, restored.Files)

	x, err := os.ReadFile(filepath.Join(w.root, "ws", "X"))
	require.NoError(t, err)
	y, err := os.ReadFile(filepath.Join(w.root, "ws", "sub", "Y"))
	require.NoError(t, err)
	assert.Equal(t, "x-original", string(x))
	assert.Equal(t, "y-original", string(y))
}

func TestSnapshotInterruptedBeforeCommit(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x", "Y": "y"})

	task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot})
	interrupted := errors.New("interrupted")
	task.beforeCommit = func(pending string) error {
		// Staging is complete, yet nothing is visible as a snapshot.
		assert.FileExists(t, filepath.Join(pending, "X"))
		assert.FileExists(t, filepath.Join(pending, "Y"))
		for _, name := range dirNames(t, w.snapRoot) {
			assert.Regexp(t, `^\.pending_`, name)
		}
		return interrupted
	}

	report, result, err := runTask(t, w, task)
	assert.ErrorIs(t, err, interrupted)
	assert.Equal(t, tasks.StatusFailed, report.Status)
	assert.Empty(t, result.ID)
	assert.Empty(t, dirNames(t, w.snapRoot), "pending directory removed")

	_, _, err = runTask(t, w, New("", Options{Descriptor: w.descriptor, Mode: ModeRollback, Root: w.snapRoot}))
	assert.ErrorIs(t, err, tasks.ErrConfiguration, "nothing to roll back to")
}

func TestSnapshotSkipsUnreadableFiles(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x", "secret/key.pem": "k"})

	task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot})
	task.copyFile = func(src, dst string) error {
		if filepath.Base(src) == "key.pem" {
			return &fs.PathError{Op: "open", Path: src, Err: fs.ErrPermission}
		}
		return tasks.CopyFile(src, dst)
	}

	report, result, err := runTask(t, w, task)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSucceeded, report.Status)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 2, result.Files, "X and the descriptor")
	assert.Equal(t, 1, result.Skipped)

	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, tasks.SeverityWarning, issue.Severity)
	assert.Equal(t, tasks.KindPermission, issue.Kind)
	assert.Equal(t, filepath.Join(w.root, "ws", "secret", "key.pem"), issue.Path)
	assert.Empty(t, report.Errors())

	snapDir := filepath.Join(w.snapRoot, result.ID)
	assert.FileExists(t, filepath.Join(snapDir, "X"))
	assert.NoFileExists(t, filepath.Join(snapDir, "secret", "key.pem"))
}

func TestSnapshotAbortsOnOtherCopyErrors(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x"})

	task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot})
	diskFull := errors.New("no space left on device")
	task.copyFile = func(src, dst string) error { return diskFull }

	report, result, err := runTask(t, w, task)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, tasks.StatusFailed, report.Status)
	assert.Empty(t, result.ID)
	assert.Empty(t, dirNames(t, w.snapRoot), "pending directory removed")
}

func TestRollbackIgnoresPendingDirectories(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "committed"})
	snap := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot})
	_, first, err := runTask(t, w, snap)
	require.NoError(t, err)

	half := filepath.Join(w.snapRoot, ".pending_crashed")
	require.NoError(t, os.MkdirAll(half, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(half, "X"), []byte("half"), 0o644))

	_, result, err := runTask(t, w, New("", Options{Descriptor: w.descriptor, Mode: ModeRollback, Root: w.snapRoot}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, result.ID)
	x, err := os.ReadFile(filepath.Join(w.root, "ws", "X"))
	require.NoError(t, err)
	assert.Equal(t, "committed", string(x))
}

func TestSnapshotPrunesOldest(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x"})
	now := clock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var ids []string
	var last *Result
	for i := 0; i < 4; i++ {
		task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot, Retain: 2})
		task.now = now
		_, result, err := runTask(t, w, task)
		require.NoError(t, err)
		ids = append(ids, result.ID)
		last = result
	}

	assert.Equal(t, []string{ids[1]}, last.Pruned)
	assert.Equal(t, []string{ids[2], ids[3]}, dirNames(t, w.snapRoot))
	assert.Equal(t, "app_20260101T000004.000000000Z", ids[3])
}

func TestSnapshotSweepsStalePending(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x"})
	stale := filepath.Join(w.snapRoot, ".pending_stale")
	young := filepath.Join(w.snapRoot, ".pending_young")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(young, 0o755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, result, err := runTask(t, w, New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot}))
	require.NoError(t, err)
	assert.Equal(t, []string{".pending_stale"}, result.Swept)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, young)
}

func TestSnapshotIncludePatterns(t *testing.T) {
	w := newWorkspace(t, map[string]string{"a.cs": "a", "b.txt": "b", "src/c.cs": "c", "bin/d.dll": "d"})

	task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: w.snapRoot, Include: []string{"*.cs", "bin/*"}})
	_, result, err := runTask(t, w, task)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Files)

	snap := filepath.Join(w.snapRoot, result.ID)
	assert.FileExists(t, filepath.Join(snap, "a.cs"))
	assert.FileExists(t, filepath.Join(snap, "src", "c.cs"))
	assert.FileExists(t, filepath.Join(snap, "bin", "d.dll"))
	assert.NoFileExists(t, filepath.Join(snap, "b.txt"))
}

func TestSnapshotRootInsideWorkspaceIsSkipped(t *testing.T) {
	w := newWorkspace(t, map[string]string{"X": "x"})
	now := clock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		task := New("", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Root: "ws/.snapshots"})
		task.now = now
		_, result, err := runTask(t, w, task)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Files, "X and the descriptor only")
	}
}

func TestCommittedSnapshotsSeparatesWorkspaces(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"app_20260101T000001.000000000Z",
		"app_20260101T000003.000000000Z",
		"app_v2_20260101T000009.000000000Z",
		".pending_x",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}

	r := &run{root: root, wsName: "app"}
	snaps, err := r.committedSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "app_20260101T000003.000000000Z", snaps[0].name)
	assert.Equal(t, "app_20260101T000001.000000000Z", snaps[1].name)
}

func TestSnapshotConfigurationErrors(t *testing.T) {
	w := newWorkspace(t, nil)
	tests := []struct {
		name string
		opts Options
	}{
		{"bad mode", Options{Descriptor: w.descriptor, Mode: "restore"}},
		{"no descriptor", Options{Mode: ModeSnapshot}},
		{"missing descriptor", Options{Descriptor: "ws/none.sln", Mode: ModeSnapshot}},
		{"negative retain", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Retain: -1}},
		{"bad include", Options{Descriptor: w.descriptor, Mode: ModeSnapshot, Include: []string{"[x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runTask(t, w, New("", tt.opts))
			assert.ErrorIs(t, err, tasks.ErrConfiguration)
		})
	}
	assert.NoDirExists(t, filepath.Join(w.root, ".stagehand", "snapshots"))
}
