//go:build linux || darwin

package diagnostics

import (
	"os"
	"runtime"
	"syscall"
)

// CountFDs reports the process's open file descriptor count and its soft
// limit. Zeroes mean the numbers could not be read.
func CountFDs() (open, limit int) {
	dir := "/proc/self/fd"
	if runtime.GOOS == "darwin" {
		dir = "/dev/fd"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	// ReadDir itself holds one descriptor while counting.
	open = len(entries)

	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err == nil {
		// #nosec G115 -- the soft limit fits an int on supported platforms
		limit = int(rlim.Cur)
	}
	return open, limit
}
