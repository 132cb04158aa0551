package contextstore

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestMessageStoreAppendAssignsDenseSeqs(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenMessageStore(dir)
	require.NoError(t, err)

	seq1, err := s.Append(RoleUser, "hello", "")
	require.NoError(t, err)
	seq2, err := s.Append(RoleAssistant, "hi there", "")
	require.NoError(t, err)
	seq3, err := s.Append(RoleTool, `{"ok":true}`, "git.status")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, []int{seq1, seq2, seq3})

	msgs, err := s.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "git.status", msgs[2].ToolName)

	// Each line is one JSON object, LF-terminated.
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
	assert.Len(t, strings.Split(strings.TrimRight(string(raw), "\n"), "\n"), 3)
}

func TestMessageStoreRecoversSeqAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenMessageStore(dir)
	require.NoError(t, err)
	_, err = s.Append(RoleUser, "one", "")
	require.NoError(t, err)
	_, err = s.Append(RoleAssistant, "two", "")
	require.NoError(t, err)

	reopened, err := OpenMessageStore(dir)
	require.NoError(t, err)
	seq, err := reopened.Append(RoleUser, "three", "")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
}

func TestMessageStoreTokenCount(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenMessageStore(dir)
	require.NoError(t, err)

	_, err = s.Append(RoleUser, strings.Repeat("a", 400), "")
	require.NoError(t, err)
	_, err = s.Append(RoleAssistant, strings.Repeat("b", 401), "")
	require.NoError(t, err)

	total, err := s.TokenCount()
	require.NoError(t, err)
	assert.Equal(t, 100+101, total)
}

func TestRewriteAfterCompression(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenMessageStore(dir)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := s.Append(RoleUser, strings.Repeat("x", 100), "")
		require.NoError(t, err)
	}
	msgs, err := s.Messages()
	require.NoError(t, err)
	retained := msgs[len(msgs)-3:]

	require.NoError(t, s.RewriteAfterCompression("summary of 1..5", 4, retained))

	after, err := s.Messages()
	require.NoError(t, err)
	require.Len(t, after, 4)

	assert.Equal(t, 0, after[0].Seq)
	assert.Equal(t, RoleSummary, after[0].Role)
	assert.Equal(t, "summary of 1..5", after[0].Content)

	// Retained tail keeps original seqs, strictly increasing.
	assert.Equal(t, []int{6, 7, 8}, []int{after[1].Seq, after[2].Seq, after[3].Seq})

	// Appends continue the original sequence.
	seq, err := s.Append(RoleUser, "next", "")
	require.NoError(t, err)
	assert.Equal(t, 9, seq)

	// Token count reflects the rewrite.
	total, err := s.TokenCount()
	require.NoError(t, err)
	assert.Equal(t, 4+3*25+1, total)
}

func TestSummaryStoreAppendAndLatest(t *testing.T) {
	dir := t.TempDir()
	s := OpenSummaryStore(dir)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, err := s.Append(SummaryRecord{StartSeq: 1, EndSeq: 5, Summary: "a", OriginalTokens: 100, SummaryTokens: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, first.ID)
	assert.InDelta(t, 0.2, first.Ratio, 1e-9)

	second, err := s.Append(SummaryRecord{StartSeq: 6, EndSeq: 12, Summary: "b", OriginalTokens: 200, SummaryTokens: 30})
	require.NoError(t, err)
	assert.Equal(t, 2, second.ID)

	latest, err = s.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.Summary)
}

func TestToolStoreAppend(t *testing.T) {
	dir := t.TempDir()
	s := OpenToolStore(dir)

	require.NoError(t, s.Append(ToolRecord{Tool: "fs.read", Status: ToolStatusOK, Result: "ok", DurationMS: 12}))
	require.NoError(t, s.Append(ToolRecord{Tool: "fs.write", Status: ToolStatusError, Error: "denied"}))

	raw, err := os.ReadFile(dir + "/tools.jsonl")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"seq":1`)
	assert.Contains(t, lines[1], `"seq":2`)
}
