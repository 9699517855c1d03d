//go:build windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// CREATE_NEW_PROCESS_GROUP keeps console control events aimed at the child
// away from the hosting process.
const createNewProcessGroup = 0x00000200

// getProcessResourceUsage extracts resource usage on Windows.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}
	return &ResourceUsage{
		UserTimeMs:   cmd.ProcessState.UserTime().Milliseconds(),
		SystemTimeMs: cmd.ProcessState.SystemTime().Milliseconds(),
	}
}

// setupProcessGroup starts the child in a new process group with a hidden
// console window.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= createNewProcessGroup
	cmd.SysProcAttr.HideWindow = true
}

// killProcessGroup terminates the child's process tree with taskkill. The
// tool is located through the child's own SYSTEMROOT and runs with the
// child's environment, so no host state is consulted.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	if root := lookupEnvList(cmd.Env, "SYSTEMROOT"); root != "" {
		killCmd := &exec.Cmd{
			Path: filepath.Join(root, "System32", "taskkill.exe"),
			Args: []string{"taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid)},
			Env:  cmd.Env,
			Dir:  cmd.Dir,
			SysProcAttr: &syscall.SysProcAttr{
				HideWindow: true,
			},
		}
		if err := killCmd.Run(); err == nil {
			return nil
		}
	}

	// Fall back to killing the direct child only
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func lookupEnvList(env []string, name string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
