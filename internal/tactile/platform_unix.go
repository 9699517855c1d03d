//go:build !windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// getProcessResourceUsage extracts resource usage on Unix systems.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return nil
	}

	return &ResourceUsage{
		UserTimeMs:                 int64(rusage.Utime.Sec)*1000 + int64(rusage.Utime.Usec/1000),
		SystemTimeMs:               int64(rusage.Stime.Sec)*1000 + int64(rusage.Stime.Usec/1000),
		MaxRSSBytes:                getMaxRSSBytes(rusage),
		VoluntaryContextSwitches:   int64(rusage.Nvcsw),
		InvoluntaryContextSwitches: int64(rusage.Nivcsw),
		DiskReadBytes:              int64(rusage.Inblock) * 512, // Block size is typically 512 bytes
		DiskWriteBytes:             int64(rusage.Oublock) * 512,
	}
}

// setupProcessGroup configures the command to run in its own process group.
// This allows killing all child processes without touching the host.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup kills the process and all its children on Unix.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid

	// Never signal our own group: Setpgid guarantees the child leads a
	// separate one.
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid > 0 && pgid != syscall.Getpgrp() {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
		}
	}

	// Also kill the main process directly as a fallback
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
