package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/task"
)

// Context-root subdirectories under base_dir.
const (
	runningRoot   = "running"
	pausedRoot    = "paused"
	completedRoot = "completed"
)

// Manager owns the base_dir layout and the tasks.db handle, and opens
// per-task contexts. For a given UUID at most one of running/, paused/,
// completed/ holds the directory; transitions are renames, and the database
// row is updated before each rename so a crash leaves the directory as the
// source of truth.
type Manager struct {
	cfg *config.ContextStorageConfig
	db  *DB
}

// NewManager creates a manager over an opened tasks.db.
func NewManager(cfg *config.ContextStorageConfig, db *DB) *Manager {
	return &Manager{cfg: cfg, db: db}
}

// EnsureLayout creates the root directories.
func (m *Manager) EnsureLayout() error {
	for _, root := range []string{m.RunningDir(), m.PausedDir(), m.CompletedDir(), filepath.Join(m.cfg.BaseDir, "healthcheck")} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", root, err)
		}
	}
	return nil
}

// BaseDir returns the configured base directory.
func (m *Manager) BaseDir() string { return m.cfg.BaseDir }

// RunningDir returns <base>/running.
func (m *Manager) RunningDir() string { return filepath.Join(m.cfg.BaseDir, runningRoot) }

// PausedDir returns <base>/paused.
func (m *Manager) PausedDir() string { return filepath.Join(m.cfg.BaseDir, pausedRoot) }

// CompletedDir returns <base>/completed.
func (m *Manager) CompletedDir() string { return filepath.Join(m.cfg.BaseDir, completedRoot) }

// DB exposes the tasks.db handle for the status API and retention sweeper.
func (m *Manager) DB() *DB { return m.db }

// TaskContext is one open per-task context directory under running/.
type TaskContext struct {
	UUID string
	Dir  string

	Messages  *MessageStore
	Summaries *SummaryStore
	Tools     *ToolStore

	db *DB
}

// Open creates (or, for resumed descriptors, reopens) the running context
// for a descriptor. For resumes it returns the TaskState recovered from
// task_state.json; the file itself is removed since it only exists under
// paused/.
func (m *Manager) Open(ctx context.Context, d task.Descriptor, meta Metadata) (*TaskContext, *TaskState, error) {
	runDir := filepath.Join(m.RunningDir(), d.UUID)

	var state *TaskState
	if d.IsResumed {
		pausedDir := filepath.Join(m.PausedDir(), d.UUID)
		var err error
		state, err = ReadTaskState(pausedDir)
		if err != nil {
			return nil, nil, fmt.Errorf("reopening paused task %s: %w", d.UUID, err)
		}
		if err := m.db.UpsertRunning(ctx, TaskRow{
			UUID: d.UUID, TaskKey: d.Key.String(), User: d.User,
			Provider: meta.Provider, Model: meta.Model,
		}); err != nil {
			return nil, nil, err
		}
		if err := os.Rename(pausedDir, runDir); err != nil {
			return nil, nil, fmt.Errorf("moving %s to running: %w", d.UUID, err)
		}
		if err := RemoveTaskState(runDir); err != nil {
			return nil, nil, err
		}
	} else {
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating context dir: %w", err)
		}
		if err := WriteMetadata(runDir, meta); err != nil {
			return nil, nil, err
		}
		if err := m.db.UpsertRunning(ctx, TaskRow{
			UUID: d.UUID, TaskKey: d.Key.String(), User: d.User,
			Provider: meta.Provider, Model: meta.Model,
		}); err != nil {
			return nil, nil, err
		}
	}

	messages, err := OpenMessageStore(runDir)
	if err != nil {
		return nil, nil, err
	}
	return &TaskContext{
		UUID:      d.UUID,
		Dir:       runDir,
		Messages:  messages,
		Summaries: OpenSummaryStore(runDir),
		Tools:     OpenToolStore(runDir),
		db:        m.db,
	}, state, nil
}

// ListPaused reads every paused task's state. Corrupt directories are logged
// and skipped so one bad task cannot wedge the producer.
func (m *Manager) ListPaused() ([]TaskState, error) {
	entries, err := os.ReadDir(m.PausedDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing paused tasks: %w", err)
	}

	var states []TaskState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.PausedDir(), entry.Name())
		state, err := ReadTaskState(dir)
		if err != nil {
			slog.Warn("Skipping corrupt paused context", "dir", dir, "error", err)
			continue
		}
		states = append(states, *state)
	}
	return states, nil
}

// RequestFilePath is the ephemeral request.json staged before each LLM call.
func (c *TaskContext) RequestFilePath() string {
	return filepath.Join(c.Dir, "request.json")
}

// PlanningLogPath is planning/<uuid>.jsonl, creating the subdirectory.
func (c *TaskContext) PlanningLogPath() (string, error) {
	dir := filepath.Join(c.Dir, "planning")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating planning dir: %w", err)
	}
	return filepath.Join(dir, c.UUID+".jsonl"), nil
}

// AddStatistics increments the tasks.db counters.
func (c *TaskContext) AddStatistics(ctx context.Context, llmCalls, toolCalls, tokens, compressions int) error {
	return c.db.AddCounters(ctx, c.UUID, llmCalls, toolCalls, tokens, compressions)
}

// Complete marks the task completed and archives the directory.
func (c *TaskContext) Complete(ctx context.Context) error {
	return c.finish(ctx, StatusCompleted, "")
}

// Fail marks the task failed, records the reason, and archives the
// directory. Failed tasks archive under completed/ like successful ones;
// the tasks.db status carries the distinction.
func (c *TaskContext) Fail(ctx context.Context, reason string) error {
	return c.finish(ctx, StatusFailed, reason)
}

func (c *TaskContext) finish(ctx context.Context, status, reason string) error {
	if err := c.db.SetStatus(ctx, c.UUID, status, reason); err != nil {
		return err
	}
	dest := filepath.Join(filepath.Dir(filepath.Dir(c.Dir)), completedRoot, c.UUID)
	if err := os.Rename(c.Dir, dest); err != nil {
		return fmt.Errorf("archiving context %s: %w", c.UUID, err)
	}
	c.Dir = dest
	return nil
}

// Pause writes task_state.json, marks the row paused, and moves the
// directory under paused/.
func (c *TaskContext) Pause(ctx context.Context, state TaskState) error {
	state.Status = StatusPaused
	if state.PausedAt.IsZero() {
		state.PausedAt = time.Now().UTC()
	}
	dest := filepath.Join(filepath.Dir(filepath.Dir(c.Dir)), pausedRoot, c.UUID)
	state.ContextPath = dest

	if err := WriteTaskState(c.Dir, state); err != nil {
		return err
	}
	if err := c.db.SetStatus(ctx, c.UUID, StatusPaused, ""); err != nil {
		return err
	}
	if err := os.Rename(c.Dir, dest); err != nil {
		return fmt.Errorf("pausing context %s: %w", c.UUID, err)
	}
	c.Dir = dest
	return nil
}

// Discard marks the task completed in tasks.db and deletes the directory.
// Used by stop-on-unassign when cleanup_context is enabled.
func (c *TaskContext) Discard(ctx context.Context) error {
	if err := c.db.SetStatus(ctx, c.UUID, StatusCompleted, ""); err != nil {
		return err
	}
	if err := os.RemoveAll(c.Dir); err != nil {
		return fmt.Errorf("removing context %s: %w", c.UUID, err)
	}
	return nil
}
