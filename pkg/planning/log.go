// Package planning implements the plan→execute→reflect→revise coordinator:
// a nested state machine that shares the task handler's LLM client, context
// store, and signal checkpoints, and leaves an auditable event log under
// planning/ in the task's context directory.
package planning

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forgeworks/drover/pkg/llm"
)

// Event types recorded in planning/{uuid}.jsonl.
const (
	EventPlan       = "plan"
	EventRevision   = "revision"
	EventReflection = "reflection"
	EventAction     = "action_result"
)

// Event is one line of the planning log.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"timestamp"`

	Plan       *llm.Plan       `json:"plan,omitempty"`
	Revision   *llm.Revision   `json:"revision,omitempty"`
	Reflection *llm.Reflection `json:"reflection,omitempty"`
	Action     *ActionResult   `json:"action,omitempty"`
}

// ActionResult records the outcome of one executed plan action.
type ActionResult struct {
	Index  int    `json:"index"`
	Tool   string `json:"tool"`
	Status string `json:"status"` // "success" | "failure"
	Output string `json:"output,omitempty"`
}

// Log is the append-only planning event log.
type Log struct {
	path string
}

// OpenLog binds to a planning log path.
func OpenLog(path string) *Log { return &Log{path: path} }

// Append writes one event line.
func (l *Log) Append(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening planning log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending planning event: %w", err)
	}
	return nil
}

// Events reads the whole log. A missing file is an empty log.
func (l *Log) Events() ([]Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening planning log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt planning event: %w", err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LatestPlan returns the most recent plan, following revisions. Nil when the
// log holds no plan yet.
func (l *Log) LatestPlan() (*llm.Plan, error) {
	events, err := l.Events()
	if err != nil {
		return nil, err
	}
	var latest *llm.Plan
	for _, e := range events {
		switch e.Type {
		case EventPlan:
			latest = e.Plan
		case EventRevision:
			if e.Revision != nil && e.Revision.RevisedPlan != nil {
				latest = e.Revision.RevisedPlan
			}
		}
	}
	return latest, nil
}
