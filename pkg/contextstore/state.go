package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata is the immutable metadata.json written once at task creation.
type Metadata struct {
	TaskKey       string    `json:"task_key"`
	UUID          string    `json:"uuid"`
	CreatedAt     time.Time `json:"created_at"`
	PID           int       `json:"process_id"`
	Hostname      string    `json:"hostname"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	ContextLength int       `json:"context_length"`
	Creator       string    `json:"creator"`
}

// PlanningState is the planning coordinator's resume point, persisted inside
// task_state.json across a pause.
type PlanningState struct {
	CurrentPhase       string `json:"current_phase"`
	ActionCounter      int    `json:"action_counter"`
	RevisionCounter    int    `json:"revision_counter"`
	ChecklistCommentID string `json:"checklist_comment_id,omitempty"`
}

// CommentState is the comment detector's known-IDs set, persisted across a
// pause so resumed tasks do not re-inject old comments.
type CommentState struct {
	KnownCommentIDs []string  `json:"last_fetched_comment_ids"`
	LastFetch       time.Time `json:"last_fetch_timestamp"`
}

// TaskState is task_state.json: present only under paused/, written by the
// pause transition and consumed (then removed) by resume.
type TaskState struct {
	TaskKey     string    `json:"task_key"`
	UUID        string    `json:"uuid"`
	User        string    `json:"user"`
	PausedAt    time.Time `json:"paused_at"`
	Status      string    `json:"status"` // always "paused"
	ResumeCount int       `json:"resume_count"`
	ContextPath string    `json:"context_path"`

	Planning *PlanningState `json:"planning_state,omitempty"`
	Comments *CommentState  `json:"comment_state,omitempty"`
}

const taskStateFile = "task_state.json"

// WriteTaskState writes task_state.json into dir via temp-and-rename.
func WriteTaskState(dir string, state TaskState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task state: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, taskStateFile), data)
}

// ReadTaskState reads task_state.json from dir.
func ReadTaskState(dir string) (*TaskState, error) {
	data, err := os.ReadFile(filepath.Join(dir, taskStateFile))
	if err != nil {
		return nil, fmt.Errorf("reading task state: %w", err)
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt task state in %s: %w", dir, err)
	}
	return &state, nil
}

// RemoveTaskState deletes task_state.json; the file lives only under paused/.
func RemoveTaskState(dir string) error {
	err := os.Remove(filepath.Join(dir, taskStateFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteMetadata writes metadata.json once at task creation.
func WriteMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "metadata.json"), data)
}

// ReadMetadata reads metadata.json.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata in %s: %w", dir, err)
	}
	return &meta, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
