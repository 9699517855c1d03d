package cleanup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stagehand/internal/tactile"
	"stagehand/internal/taskenv"
)

// inspectLock asks the platform's lock inspection tool which processes hold
// path. Inspection is best effort: a missing tool or a timeout yields no
// holders.
func (r *run) inspectLock(ctx context.Context, path string) []string {
	cfg, err := r.env.BuildProcessLaunchConfig()
	if err != nil {
		r.log.Warn("cannot build launch config for lock inspection", zap.Error(err))
		return nil
	}
	cfg.Inherit("PATH", "PATHEXT")
	cfg.Timeout = r.opts.InspectTimeout
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInspectTimeout
	}

	windows := r.env.Style() == taskenv.StyleWindows
	if windows {
		cfg.Executable = "handle.exe"
		cfg.Args = []string{"-nobanner", "-accepteula", path}
	} else {
		cfg.Executable = "lsof"
		cfg.Args = []string{"-F", "pc", "--", path}
	}

	res, err := r.launcher.Execute(ctx, cfg)
	switch {
	case errors.Is(err, taskenv.ErrExecutableNotFound):
		r.log.Debug("lock inspection tool not available", zap.String("tool", cfg.Executable))
		return nil
	case errors.Is(err, tactile.ErrTimeout):
		r.log.Warn("lock inspection timed out", zap.String("path", path), zap.Duration("timeout", cfg.Timeout))
		return nil
	case err != nil || res == nil:
		r.log.Warn("lock inspection failed", zap.String("path", path), zap.Error(err))
		return nil
	}

	if windows {
		return parseHandleOutput(res.Stdout)
	}
	return parseLsofOutput(res.Stdout)
}

// parseLsofOutput reads lsof's field output ("p<pid>" then "c<command>").
func parseLsofOutput(out string) []string {
	var holders []string
	var pid string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'p':
			pid = line[1:]
		case 'c':
			holders = append(holders, fmt.Sprintf("%s(%s)", line[1:], pid))
		}
	}
	return holders
}

// parseHandleOutput reads handle.exe lines of the form
// "devenv.exe  pid: 4242  type: File  1A4: C:\src\obj\x.dll".
func parseHandleOutput(out string) []string {
	var holders []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		for i := 1; i+1 < len(fields); i++ {
			if fields[i] == "pid:" {
				holders = append(holders, fmt.Sprintf("%s(%s)", fields[0], fields[i+1]))
				break
			}
		}
	}
	return holders
}
