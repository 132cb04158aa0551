package contextstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/task"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	db, err := OpenDB(filepath.Join(base, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultContextStorageConfig()
	cfg.BaseDir = base
	m := NewManager(cfg, db)
	require.NoError(t, m.EnsureLayout())
	return m
}

func testDescriptor() task.Descriptor {
	return task.NewDescriptor(task.Key{
		Platform: "github", Kind: task.KindIssue, Owner: "acme", Project: "widgets", Number: 101,
	}, "alice")
}

func testMetadata(d task.Descriptor) Metadata {
	return Metadata{
		TaskKey:       d.Key.String(),
		UUID:          d.UUID,
		CreatedAt:     time.Now().UTC(),
		PID:           os.Getpid(),
		Provider:      "openai",
		Model:         "gpt-4o",
		ContextLength: 128000,
		Creator:       d.User,
	}
}

func TestOpenCreatesRunningContext(t *testing.T) {
	m := newTestManager(t)
	d := testDescriptor()

	tc, state, err := m.Open(context.Background(), d, testMetadata(d))
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.DirExists(t, filepath.Join(m.RunningDir(), d.UUID))

	meta, err := ReadMetadata(tc.Dir)
	require.NoError(t, err)
	assert.Equal(t, d.UUID, meta.UUID)

	row, err := m.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, row.Status)
	assert.Equal(t, d.Key.String(), row.TaskKey)
	assert.Equal(t, "alice", row.User)
}

func TestCompleteMovesDirectoryAndUpdatesRow(t *testing.T) {
	m := newTestManager(t)
	d := testDescriptor()
	tc, _, err := m.Open(context.Background(), d, testMetadata(d))
	require.NoError(t, err)

	require.NoError(t, tc.Complete(context.Background()))

	assert.NoDirExists(t, filepath.Join(m.RunningDir(), d.UUID))
	assert.DirExists(t, filepath.Join(m.CompletedDir(), d.UUID))

	row, err := m.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, row.Status)
	require.NotNil(t, row.CompletedAt)
}

func TestFailRecordsReason(t *testing.T) {
	m := newTestManager(t)
	d := testDescriptor()
	tc, _, err := m.Open(context.Background(), d, testMetadata(d))
	require.NoError(t, err)

	require.NoError(t, tc.Fail(context.Background(), "tool budget exhausted"))

	row, err := m.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "tool budget exhausted", row.ErrorMessage)
	assert.DirExists(t, filepath.Join(m.CompletedDir(), d.UUID))
}

func TestPauseResumeCyclePreservesConversation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := testDescriptor()

	tc, _, err := m.Open(ctx, d, testMetadata(d))
	require.NoError(t, err)
	_, err = tc.Messages.Append(RoleUser, "resolve issue", "")
	require.NoError(t, err)
	_, err = tc.Messages.Append(RoleAssistant, "working on it", "")
	require.NoError(t, err)

	require.NoError(t, tc.Pause(ctx, TaskState{
		TaskKey: d.Key.String(),
		UUID:    d.UUID,
		User:    d.User,
		Planning: &PlanningState{
			CurrentPhase:  "execution",
			ActionCounter: 2,
		},
		Comments: &CommentState{KnownCommentIDs: []string{"11", "12"}},
	}))

	pausedDir := filepath.Join(m.PausedDir(), d.UUID)
	assert.DirExists(t, pausedDir)
	assert.NoDirExists(t, filepath.Join(m.RunningDir(), d.UUID))

	onDisk, err := ReadTaskState(pausedDir)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, onDisk.Status)
	assert.Equal(t, pausedDir, onDisk.ContextPath)
	assert.False(t, onDisk.PausedAt.IsZero())

	row, err := m.DB().Get(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, row.Status)

	// Resume.
	resumed := d
	resumed.IsResumed = true
	resumed.PausedContextPath = pausedDir

	tc2, state, err := m.Open(ctx, resumed, testMetadata(d))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "execution", state.Planning.CurrentPhase)
	assert.Equal(t, 2, state.Planning.ActionCounter)
	assert.Equal(t, []string{"11", "12"}, state.Comments.KnownCommentIDs)

	// task_state.json exists only under paused/.
	_, err = os.Stat(filepath.Join(tc2.Dir, taskStateFile))
	assert.True(t, os.IsNotExist(err))

	// Conversation survives the cycle verbatim.
	msgs, err := tc2.Messages.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "resolve issue", msgs[0].Content)

	// Appends continue the sequence.
	seq, err := tc2.Messages.Append(RoleUser, "more", "")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)

	row, err = m.DB().Get(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, row.Status)
	assert.Equal(t, 1, row.ResumeCount)
}

func TestListPausedSkipsCorruptDirectories(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	d := testDescriptor()
	tc, _, err := m.Open(ctx, d, testMetadata(d))
	require.NoError(t, err)
	require.NoError(t, tc.Pause(ctx, TaskState{TaskKey: d.Key.String(), UUID: d.UUID, User: d.User}))

	// A paused directory without task_state.json is corrupt.
	corrupt := filepath.Join(m.PausedDir(), "00000000-0000-0000-0000-000000000000")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))

	states, err := m.ListPaused()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, d.UUID, states[0].UUID)
}

func TestAddStatisticsAccumulates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	d := testDescriptor()
	tc, _, err := m.Open(ctx, d, testMetadata(d))
	require.NoError(t, err)

	require.NoError(t, tc.AddStatistics(ctx, 1, 2, 300, 0))
	require.NoError(t, tc.AddStatistics(ctx, 1, 0, 150, 1))

	row, err := m.DB().Get(ctx, d.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.LLMCallCount)
	assert.Equal(t, 2, row.ToolCallCount)
	assert.Equal(t, 450, row.TotalTokens)
	assert.Equal(t, 1, row.CompressionCount)
}

func TestDeleteCompletedBeforeKeepsActiveRows(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	d := testDescriptor()
	tc, _, err := m.Open(ctx, d, testMetadata(d))
	require.NoError(t, err)
	require.NoError(t, tc.Complete(ctx))

	running := task.NewDescriptor(d.Key, "bob")
	_, _, err = m.Open(ctx, running, testMetadata(running))
	require.NoError(t, err)

	// Cutoff in the future retires the completed row but not the running one.
	n, err := m.DB().DeleteCompletedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = m.DB().Get(ctx, d.UUID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.DB().Get(ctx, running.UUID)
	assert.NoError(t, err)
}

func TestListFiltersByStatusAndUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	d1 := testDescriptor()
	tc1, _, err := m.Open(ctx, d1, testMetadata(d1))
	require.NoError(t, err)
	require.NoError(t, tc1.Complete(ctx))

	d2 := task.NewDescriptor(d1.Key, "bob")
	_, _, err = m.Open(ctx, d2, testMetadata(d2))
	require.NoError(t, err)

	completed, err := m.DB().List(ctx, StatusCompleted, "")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, d1.UUID, completed[0].UUID)

	bobs, err := m.DB().List(ctx, "", "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, d2.UUID, bobs[0].UUID)
}
