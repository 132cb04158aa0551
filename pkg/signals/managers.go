package signals

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/forge"
)

// PauseResumeManager observes the fleetwide pause signal. The pause
// transition itself (task_state.json, rename, label, comment) is performed
// by the handler; this manager only answers "should we pause".
type PauseResumeManager struct {
	cfg    *config.PauseResumeConfig
	source Source
}

// NewPauseResumeManager builds a manager over a Source. Production callers
// pass a FileSignal at PauseSignalPath; tests pass a MemorySignal.
func NewPauseResumeManager(cfg *config.PauseResumeConfig, source Source) *PauseResumeManager {
	return &PauseResumeManager{cfg: cfg, source: source}
}

// ShouldPause reports whether the pause signal is raised.
func (m *PauseResumeManager) ShouldPause() (bool, error) {
	if m == nil || !m.cfg.Enabled {
		return false, nil
	}
	return m.source.Active()
}

// TaskStopManager detects unassignment of the bot from the work item.
// Assignee fetches are rate-limited to once per min_check_interval_seconds;
// between fetches the last verdict is reused.
type TaskStopManager struct {
	cfg     *config.TaskStopConfig
	task    *forge.Task
	botName string

	lastCheck time.Time
	lastStop  bool

	now func() time.Time // test seam
}

// NewTaskStopManager binds stop detection to one work item.
func NewTaskStopManager(cfg *config.TaskStopConfig, t *forge.Task, botName string) *TaskStopManager {
	return &TaskStopManager{cfg: cfg, task: t, botName: botName, now: time.Now}
}

// ShouldStop reports whether the bot has been unassigned. Forge errors do
// not stop the task; a transient API failure must not kill hours of work,
// so the error is returned for logging and the verdict stays false.
func (m *TaskStopManager) ShouldStop(ctx context.Context) (bool, error) {
	if m == nil || !m.cfg.Enabled || m.botName == "" {
		return false, nil
	}

	if now := m.now(); !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cfg.MinCheckInterval() {
		return m.lastStop, nil
	}

	var assignees []string
	err := forge.WithRetry(ctx, m.cfg.APIRetry, func() error {
		var opErr error
		assignees, opErr = m.task.Assignees(ctx)
		return opErr
	})
	if err != nil {
		return false, fmt.Errorf("fetching assignees: %w", err)
	}

	m.lastCheck = m.now()
	m.lastStop = !slices.Contains(assignees, m.botName)
	return m.lastStop, nil
}

// CommentDetectionManager finds comments posted after the task started and
// feeds them to the conversation as synthetic user messages. The known-IDs
// set survives pause/resume through task_state.json.
type CommentDetectionManager struct {
	cfg     *config.CommentDetectionConfig
	task    *forge.Task
	botName string

	known     map[string]struct{}
	lastCheck time.Time

	now func() time.Time // test seam
}

// NewCommentDetectionManager binds comment detection to one work item.
func NewCommentDetectionManager(cfg *config.CommentDetectionConfig, t *forge.Task, botName string) *CommentDetectionManager {
	return &CommentDetectionManager{
		cfg:     cfg,
		task:    t,
		botName: botName,
		known:   make(map[string]struct{}),
		now:     time.Now,
	}
}

// Seed marks the current comments as known without emitting them. Called
// once when a fresh task starts, so pre-existing discussion is part of the
// prompt rather than injected mid-loop.
func (m *CommentDetectionManager) Seed(ctx context.Context) error {
	if m == nil || !m.cfg.Enabled {
		return nil
	}
	comments, err := m.task.ListComments(ctx)
	if err != nil {
		return fmt.Errorf("seeding comment detection: %w", err)
	}
	for _, c := range comments {
		m.known[c.ID] = struct{}{}
	}
	m.lastCheck = m.now()
	return nil
}

// LoadKnownIDs restores the set from a paused task's state.
func (m *CommentDetectionManager) LoadKnownIDs(ids []string) {
	if m == nil {
		return
	}
	for _, id := range ids {
		m.known[id] = struct{}{}
	}
}

// KnownIDs returns the set for persistence into task_state.json, sorted for
// stable output.
func (m *CommentDetectionManager) KnownIDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.known))
	for id := range m.known {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NewComments returns comments not yet seen and not authored by the bot,
// and marks them known. Rate-limited like the stop manager; between fetches
// it returns nothing.
func (m *CommentDetectionManager) NewComments(ctx context.Context) ([]forge.Comment, error) {
	if m == nil || !m.cfg.Enabled {
		return nil, nil
	}
	if now := m.now(); !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cfg.CheckInterval() {
		return nil, nil
	}

	comments, err := m.task.ListComments(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching comments: %w", err)
	}
	m.lastCheck = m.now()

	var fresh []forge.Comment
	for _, c := range comments {
		if _, seen := m.known[c.ID]; seen {
			continue
		}
		m.known[c.ID] = struct{}{}
		if c.IsBotGuess || (m.botName != "" && c.Author == m.botName) {
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, nil
}

// FormatComments renders new comments as one synthetic user message.
func FormatComments(comments []forge.Comment) string {
	var b strings.Builder
	b.WriteString("New comments were posted on the work item while you were working:\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "\n--- comment from @%s ---\n%s\n", c.Author, c.Body)
	}
	b.WriteString("\nTake them into account before continuing.")
	return b.String()
}
