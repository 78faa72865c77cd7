package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

// EnsureDir check if a given directory plus the following path exist, then create one if not
func EnsureDir(dir string, path ...string) failure.ClassifiedError {
	targetPath := append([]string{dir}, path...)
	target := filepath.Join(targetPath...)
	if err := os.MkdirAll(target, 0755); err != nil {
		return &FileError{
			Message:   fmt.Sprintf("%v", err),
			Retryable: false,
			Cause:     ErrCausePathError,
			Path:      target,
		}
	}
	return nil
}

// EnsureParentDir creates the directory that will hold the file at path.
func EnsureParentDir(path string) failure.ClassifiedError {
	return EnsureDir(filepath.Dir(filepath.Clean(path)))
}
