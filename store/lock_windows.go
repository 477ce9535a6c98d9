//go:build windows

package store

import "os"

// flock is a no-op on windows; the sandbox and worker packages are
// Linux-only (rlimits, Setpgid) so a server process never actually runs
// there today, but the FileStore itself has no Linux-specific calls and
// there's no reason to make it fail to open on other platforms.
func flock(f *os.File) error {
	return nil
}
