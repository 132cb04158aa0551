package contextstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Tool-call outcome statuses in tools.jsonl.
const (
	ToolStatusOK    = "ok"
	ToolStatusError = "error"
)

// ToolRecord is one line of the tool-call audit log.
type ToolRecord struct {
	Seq        int             `json:"seq"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     string          `json:"status"`
	DurationMS int64           `json:"duration_ms"`
	Time       time.Time       `json:"timestamp"`
}

// ToolStore is the append-only audit log tools.jsonl. Write-only by design;
// nothing in the loop reads it back.
type ToolStore struct {
	path    string
	nextSeq int
}

// OpenToolStore binds to dir/tools.jsonl.
func OpenToolStore(dir string) *ToolStore {
	return &ToolStore{path: filepath.Join(dir, "tools.jsonl"), nextSeq: 1}
}

// Append writes one audit record.
func (s *ToolStore) Append(r ToolRecord) error {
	r.Seq = s.nextSeq
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	if err := appendJSONL(s.path, r); err != nil {
		return fmt.Errorf("appending tool record: %w", err)
	}
	s.nextSeq++
	return nil
}
