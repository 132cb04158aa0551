// Package compression implements conversation summarization for the context
// store. When the persisted conversation approaches the model's context
// window, the head of the log is replaced by an LLM-written summary and the
// most recent messages are carried forward verbatim.
package compression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/llm"
)

// ErrSummarization marks a failed or unusable summarization call. The
// per-iteration checkpoint treats it as a degraded mode and skips
// compression for that iteration; store I/O errors stay fatal.
var ErrSummarization = errors.New("summarization failed")

// Completer is the one-shot completion the compressor needs from the LLM
// client.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, llm.Usage, error)
}

// Compressor summarizes a task conversation in place.
type Compressor struct {
	cfg           *config.ContextStorageConfig
	client        Completer
	contextLength int
	logger        *slog.Logger
}

// New creates a compressor. contextLength is the active model's window.
func New(cfg *config.ContextStorageConfig, client Completer, contextLength int) *Compressor {
	return &Compressor{
		cfg:           cfg,
		client:        client,
		contextLength: contextLength,
		logger:        slog.Default(),
	}
}

// ShouldCompress reports whether the conversation has crossed the threshold
// (context_length × compression_threshold).
func (c *Compressor) ShouldCompress(store *contextstore.MessageStore) (bool, error) {
	tokens, err := store.TokenCount()
	if err != nil {
		return false, err
	}
	limit := int(float64(c.contextLength) * c.cfg.CompressionThreshold)
	return tokens >= limit, nil
}

// Compress summarizes everything but the retained tail and rewrites
// current.jsonl. The summary is recorded in summaries.jsonl first so a crash
// between the two writes loses nothing. Statistics (LLM call, tokens,
// compression count) are accumulated on the task row.
func (c *Compressor) Compress(ctx context.Context, tc *contextstore.TaskContext) error {
	msgs, err := tc.Messages.Messages()
	if err != nil {
		return err
	}

	tail := c.cfg.RetainedTail
	if len(msgs) <= tail+1 {
		// Nothing meaningful to fold; a conversation this short that still
		// trips the threshold cannot be summarized away.
		return nil
	}
	head := msgs[:len(msgs)-tail]
	retained := msgs[len(msgs)-tail:]

	prompt := c.cfg.SummaryPrompt + "\n\n" + renderTranscript(head)
	summary, usage, err := c.client.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSummarization, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("%w: empty summary text", ErrSummarization)
	}

	originalTokens := 0
	for _, m := range head {
		originalTokens += m.Tokens
	}
	summaryTokens := contextstore.EstimateTokens(summary)

	record, err := tc.Summaries.Append(contextstore.SummaryRecord{
		StartSeq:       head[0].Seq,
		EndSeq:         head[len(head)-1].Seq,
		Summary:        summary,
		OriginalTokens: originalTokens,
		SummaryTokens:  summaryTokens,
	})
	if err != nil {
		return fmt.Errorf("recording summary: %w", err)
	}

	if err := tc.Messages.RewriteAfterCompression(summary, summaryTokens, retained); err != nil {
		return fmt.Errorf("rewriting conversation: %w", err)
	}

	if err := tc.AddStatistics(ctx, 1, 0, usage.TotalTokens, 1); err != nil {
		return err
	}

	c.logger.Info("Compressed conversation",
		"uuid", tc.UUID,
		"summary_id", record.ID,
		"folded_messages", len(head),
		"original_tokens", originalTokens,
		"summary_tokens", summaryTokens)
	return nil
}

// CompressIfNeeded is the per-iteration checkpoint called before each LLM
// request. A failed summarization call is not fatal to the task: the
// iteration proceeds uncompressed and the next checkpoint retries.
func (c *Compressor) CompressIfNeeded(ctx context.Context, tc *contextstore.TaskContext) error {
	need, err := c.ShouldCompress(tc.Messages)
	if err != nil || !need {
		return err
	}
	if err := c.Compress(ctx, tc); err != nil {
		if errors.Is(err, ErrSummarization) {
			c.logger.Warn("Summarization failed, continuing uncompressed",
				"uuid", tc.UUID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// renderTranscript flattens messages into the "[ROLE]: content" form the
// summary prompt expects.
func renderTranscript(msgs []contextstore.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		role := strings.ToUpper(m.Role)
		if m.Role == contextstore.RoleTool && m.ToolName != "" {
			role = "TOOL " + m.ToolName
		}
		fmt.Fprintf(&b, "[%s]: %s\n", role, m.Content)
	}
	return b.String()
}
