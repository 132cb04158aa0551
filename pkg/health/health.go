// Package health maintains the liveness files orchestration watches:
// healthcheck/{producer,consumer}.health under the context base directory,
// mtime-touched once per outer-loop iteration.
package health

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File is one process's liveness marker.
type File struct {
	path string
}

// NewFile creates a marker named <role>.health under <baseDir>/healthcheck.
func NewFile(baseDir, role string) *File {
	return &File{path: filepath.Join(baseDir, "healthcheck", role+".health")}
}

// Path returns the marker path.
func (f *File) Path() string { return f.path }

// Touch creates the file or updates its mtime.
func (f *File) Touch() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating healthcheck dir: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(f.path, now, now); err == nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating health file: %w", err)
	}
	return file.Close()
}
