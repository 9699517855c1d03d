//go:build !windows && !linux && !darwin

package tactile

import "syscall"

// getMaxRSSBytes converts ru_maxrss; the BSDs report kilobytes.
func getMaxRSSBytes(rusage *syscall.Rusage) int64 {
	return int64(rusage.Maxrss) * 1024
}
