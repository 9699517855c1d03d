//go:build windows

package snapshot

// syncDir is a no-op: Windows cannot flush a directory handle, and NTFS
// journals the rename itself.
func syncDir(string) error { return nil }
