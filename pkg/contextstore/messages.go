// Package contextstore persists one task's conversation and auxiliary state
// as append-only JSONL files inside a per-UUID directory, mirrored by a
// summary row in the process-global SQLite tasks.db.
//
// Directory lifecycle: running/<uuid> while a handler owns the task,
// paused/<uuid> across a pause, completed/<uuid> as the terminal archive.
// Transitions are filesystem renames, atomic within base_dir.
package contextstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message roles as stored in current.jsonl.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	// RoleSummary is the seq-0 record a compression rewrite leaves at the
	// head of current.jsonl.
	RoleSummary = "summary"
)

// Message is one line of current.jsonl.
type Message struct {
	Seq      int       `json:"seq"`
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	Tokens   int       `json:"tokens"`
	ToolName string    `json:"tool_name,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// EstimateTokens is the store-wide token heuristic: ⌈len/4⌉.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// MessageStore is the append-oriented view of current.jsonl. Single-writer:
// exactly one handler owns a UUID at a time, enforced by queue delivery and
// the directory's filesystem location.
type MessageStore struct {
	path    string
	nextSeq int
}

// OpenMessageStore binds to dir/current.jsonl, scanning any existing file to
// recover the next sequence number (crash-safe resume).
func OpenMessageStore(dir string) (*MessageStore, error) {
	s := &MessageStore{path: filepath.Join(dir, "current.jsonl"), nextSeq: 1}
	msgs, err := s.Messages()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Seq >= s.nextSeq {
			s.nextSeq = m.Seq + 1
		}
	}
	return s, nil
}

// Path returns the current.jsonl path; the LLM request builder streams from
// here rather than holding the conversation in memory.
func (s *MessageStore) Path() string { return s.path }

// Append writes one message line and returns its sequence number.
func (s *MessageStore) Append(role, content, toolName string) (int, error) {
	m := Message{
		Seq:      s.nextSeq,
		Role:     role,
		Content:  content,
		Tokens:   EstimateTokens(content),
		ToolName: toolName,
		Time:     time.Now().UTC(),
	}
	if err := appendJSONL(s.path, m); err != nil {
		return 0, fmt.Errorf("appending message: %w", err)
	}
	s.nextSeq++
	return m.Seq, nil
}

// Messages reads the whole log. A missing file is an empty conversation.
func (s *MessageStore) Messages() ([]Message, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("corrupt message line in %s: %w", s.path, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.path, err)
	}
	return msgs, nil
}

// TokenCount sums the tokens field line by line.
func (s *MessageStore) TokenCount() (int, error) {
	msgs, err := s.Messages()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	return total, nil
}

// RewriteAfterCompression atomically replaces current.jsonl with a seq-0
// summary record followed by the retained tail. Retained messages keep their
// original sequence numbers so the audit trail in summaries.jsonl lines up.
func (s *MessageStore) RewriteAfterCompression(summary string, summaryTokens int, retained []Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".current-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	w := bufio.NewWriter(tmp)
	head := Message{
		Seq:     0,
		Role:    RoleSummary,
		Content: summary,
		Tokens:  summaryTokens,
		Time:    time.Now().UTC(),
	}
	if err := writeJSONLine(w, head); err != nil {
		tmp.Close()
		return err
	}
	for _, m := range retained {
		if err := writeJSONLine(w, m); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing rewrite: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func appendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return err
	}
	return nil
}

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}
