package tasks

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"stagehand/internal/taskenv"
)

// SplitList parses a semicolon-delimited input list, trimming whitespace
// and dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CopyFile copies src to dst, preserving the permission bits and syncing
// the data before returning. Both paths must already be resolved.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode().Perm())
}

// AtomicWriteFile writes data to target so that readers observe either the
// old content or the new content, never a partial file.
func AtomicWriteFile(env taskenv.Context, target string, data []byte, perm fs.FileMode) error {
	return AtomicReplace(env, target, perm, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// AtomicReplace streams new content for target into a staging file and
// renames it into place. Targets inside the project are staged in the
// invocation's temp directory; targets elsewhere are staged beside the
// target so the rename never crosses filesystems.
func AtomicReplace(env taskenv.Context, target string, perm fs.FileMode, write func(io.Writer) error) error {
	if !env.Style().IsAbs(target) {
		return ConfigError("atomic write target %q is not resolved", target)
	}

	stageDir, err := stagingDir(env, target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(stageDir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	committed = true
	return nil
}

func stagingDir(env taskenv.Context, target string) (string, error) {
	root, err := env.ProjectDirectory()
	if err != nil {
		return "", err
	}
	if env.Style().Within(root, target) {
		return env.TempDir()
	}
	return filepath.Dir(target), nil
}
