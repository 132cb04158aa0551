// Package signals implements the three cooperative cancellation channels the
// task handler polls at checkpoints: the fleetwide pause file, stop-on-
// unassign, and mid-task comment detection. None of them run on their own
// goroutine; they are observed between loop iterations, tool calls, and
// planning transitions.
package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Source reports whether an operator signal is currently raised.
type Source interface {
	Active() (bool, error)
}

// FileSignal observes the existence of a file. The file is an administrative
// command shared across the fleet; it is only ever observed here, never
// created or deleted.
type FileSignal struct {
	path string
}

// NewFileSignal watches path.
func NewFileSignal(path string) *FileSignal { return &FileSignal{path: path} }

// Path returns the watched file path.
func (f *FileSignal) Path() string { return f.path }

// Active reports whether the file exists.
func (f *FileSignal) Active() (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking signal file %s: %w", f.path, err)
}

// MemorySignal is an in-memory Source for tests.
type MemorySignal struct {
	raised atomic.Bool
}

// Raise sets the signal.
func (m *MemorySignal) Raise() { m.raised.Store(true) }

// Clear unsets the signal.
func (m *MemorySignal) Clear() { m.raised.Store(false) }

// Active reports the signal state.
func (m *MemorySignal) Active() (bool, error) { return m.raised.Load(), nil }

// PauseSignalPath resolves the pause file location: the configured override,
// or <baseDir>/pause_signal.
func PauseSignalPath(override, baseDir string) string {
	if override != "" {
		return override
	}
	return filepath.Join(baseDir, "pause_signal")
}
