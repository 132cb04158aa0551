// Package llm implements the chat-completion client used by the task
// handler. The client keeps no in-memory conversation buffer: every request
// is rebuilt from the message log, which for the Context-Storage strategy is
// the on-disk current.jsonl. That property is what makes pause/resume and
// crash recovery trivial.
package llm

import (
	"sync"

	"github.com/forgeworks/drover/pkg/contextstore"
)

// MessageLog is the conversation the client reads from and appends to.
// *contextstore.MessageStore implements it for the durable strategies;
// MemoryLog backs the Legacy strategy.
type MessageLog interface {
	Append(role, content, toolName string) (int, error)
	Messages() ([]contextstore.Message, error)
}

// MemoryLog is the non-durable MessageLog for the Legacy strategy.
type MemoryLog struct {
	mu   sync.Mutex
	msgs []contextstore.Message
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

// Append adds one message.
func (l *MemoryLog) Append(role, content, toolName string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := len(l.msgs) + 1
	l.msgs = append(l.msgs, contextstore.Message{
		Seq:      seq,
		Role:     role,
		Content:  content,
		Tokens:   contextstore.EstimateTokens(content),
		ToolName: toolName,
	})
	return seq, nil
}

// Messages returns a copy of the conversation.
func (l *MemoryLog) Messages() ([]contextstore.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contextstore.Message, len(l.msgs))
	copy(out, l.msgs)
	return out, nil
}
