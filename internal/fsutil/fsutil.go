// Package fsutil holds filesystem helpers for reading files whose names
// arrive from outside the process.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadFileScoped reads path with access confined to its parent
// directory. Answer-file watcher events and crash dump listings carry
// names the dispatcher did not choose itself; opening through an
// os.Root keeps a crafted name from escaping the directory it claims to
// live in.
func ReadFileScoped(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)
	base := filepath.Base(cleaned)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("not a file path: %q", path)
	}

	root, err := os.OpenRoot(filepath.Dir(cleaned))
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}
