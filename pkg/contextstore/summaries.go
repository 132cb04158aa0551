package contextstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SummaryRecord is one compression event in summaries.jsonl. The summarized
// conversation span [StartSeq, EndSeq] stays here for audit after the
// current.jsonl rewrite discards it.
type SummaryRecord struct {
	ID             int       `json:"id"`
	StartSeq       int       `json:"start_seq"`
	EndSeq         int       `json:"end_seq"`
	Summary        string    `json:"summary"`
	OriginalTokens int       `json:"original_tokens"`
	SummaryTokens  int       `json:"summary_tokens"`
	Ratio          float64   `json:"ratio"`
	Time           time.Time `json:"timestamp"`
}

// SummaryStore is the append-only view of summaries.jsonl.
type SummaryStore struct {
	path string
}

// OpenSummaryStore binds to dir/summaries.jsonl.
func OpenSummaryStore(dir string) *SummaryStore {
	return &SummaryStore{path: filepath.Join(dir, "summaries.jsonl")}
}

// Append writes one record, assigning the next ID.
func (s *SummaryStore) Append(r SummaryRecord) (SummaryRecord, error) {
	latest, err := s.Latest()
	if err != nil {
		return SummaryRecord{}, err
	}
	r.ID = 1
	if latest != nil {
		r.ID = latest.ID + 1
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	if r.OriginalTokens > 0 {
		r.Ratio = float64(r.SummaryTokens) / float64(r.OriginalTokens)
	}
	if err := appendJSONL(s.path, r); err != nil {
		return SummaryRecord{}, fmt.Errorf("appending summary: %w", err)
	}
	return r, nil
}

// Latest returns the most recent record, or nil when none exist.
func (s *SummaryStore) Latest() (*SummaryRecord, error) {
	all, err := s.All()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[len(all)-1], nil
}

// All reads the full compression history.
func (s *SummaryStore) All() ([]SummaryRecord, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	var records []SummaryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r SummaryRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("corrupt summary line in %s: %w", s.path, err)
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}
