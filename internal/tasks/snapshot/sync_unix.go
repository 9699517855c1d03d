//go:build !windows

package snapshot

import "os"

// syncDir flushes directory entries so a committed rename survives a crash.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
