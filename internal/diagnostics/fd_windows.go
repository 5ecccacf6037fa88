//go:build windows

package diagnostics

// CountFDs reports zeroes on Windows. There is no descriptor directory
// to count, and the dispatcher targets unix hosts; FD health checks
// simply stay inactive here.
func CountFDs() (open, limit int) {
	return 0, 0
}
