package signals

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/task"
)

func testKey() task.Key {
	return task.Key{Platform: "github", Kind: task.KindIssue, Owner: "acme", Project: "widgets", Number: 5}
}

func newForgeTask(client *forge.InMemoryClient) *forge.Task {
	return forge.NewTask(client, config.DefaultForgeConfig(), testKey())
}

func TestPauseResumeManagerObservesSource(t *testing.T) {
	src := &MemorySignal{}
	m := NewPauseResumeManager(config.DefaultPauseResumeConfig(), src)

	pause, err := m.ShouldPause()
	require.NoError(t, err)
	assert.False(t, pause)

	src.Raise()
	pause, err = m.ShouldPause()
	require.NoError(t, err)
	assert.True(t, pause)
}

func TestPauseResumeManagerDisabled(t *testing.T) {
	cfg := config.DefaultPauseResumeConfig()
	cfg.Enabled = false
	src := &MemorySignal{}
	src.Raise()

	m := NewPauseResumeManager(cfg, src)
	pause, err := m.ShouldPause()
	require.NoError(t, err)
	assert.False(t, pause)
}

func TestFileSignal(t *testing.T) {
	path := PauseSignalPath("", t.TempDir())
	sig := NewFileSignal(path)

	active, err := sig.Active()
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	active, err = sig.Active()
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTaskStopManagerDetectsUnassign(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{Assignees: []string{"drover-bot", "alice"}})

	m := NewTaskStopManager(config.DefaultTaskStopConfig(), newForgeTask(client), "drover-bot")
	now := time.Now()
	m.now = func() time.Time { return now }

	stop, err := m.ShouldStop(context.Background())
	require.NoError(t, err)
	assert.False(t, stop)

	// Unassign, but the rate limit keeps the cached verdict.
	client.SetAssignees(testKey(), []string{"alice"})
	stop, err = m.ShouldStop(context.Background())
	require.NoError(t, err)
	assert.False(t, stop)

	// After the interval the fetch repeats and sees the unassign.
	now = now.Add(31 * time.Second)
	stop, err = m.ShouldStop(context.Background())
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestTaskStopManagerForgeErrorDoesNotStop(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{Assignees: []string{"drover-bot"}})
	client.FailWith = &forge.APIError{StatusCode: 401, Message: "bad token"}

	m := NewTaskStopManager(config.DefaultTaskStopConfig(), newForgeTask(client), "drover-bot")
	stop, err := m.ShouldStop(context.Background())
	require.Error(t, err)
	assert.False(t, stop)
}

func TestCommentDetectionSeedAndNewComments(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{})
	client.AddCommentAs(testKey(), "alice", "original discussion", false)

	cfg := config.DefaultCommentDetectionConfig()
	m := NewCommentDetectionManager(cfg, newForgeTask(client), "drover-bot")
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Seed(context.Background()))

	// New human comment, bot comment, and a bot-flagged comment arrive.
	client.AddCommentAs(testKey(), "bob", "please also fix the docs", false)
	client.AddCommentAs(testKey(), "drover-bot", "status update", false)
	client.AddCommentAs(testKey(), "ci", "build passed", true)

	now = now.Add(31 * time.Second)
	fresh, err := m.NewComments(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "bob", fresh[0].Author)

	// All four IDs are known now, including filtered ones.
	assert.Len(t, m.KnownIDs(), 4)

	// Nothing new on the next poll.
	now = now.Add(31 * time.Second)
	fresh, err = m.NewComments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestCommentDetectionRateLimit(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{})

	m := NewCommentDetectionManager(config.DefaultCommentDetectionConfig(), newForgeTask(client), "")
	now := time.Now()
	m.now = func() time.Time { return now }
	require.NoError(t, m.Seed(context.Background()))

	client.AddCommentAs(testKey(), "alice", "hello", false)

	// Within the interval: no fetch.
	fresh, err := m.NewComments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)

	now = now.Add(time.Minute)
	fresh, err = m.NewComments(context.Background())
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestCommentDetectionRestoresKnownIDs(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{})
	id := client.AddCommentAs(testKey(), "alice", "seen before pause", false)

	m := NewCommentDetectionManager(config.DefaultCommentDetectionConfig(), newForgeTask(client), "")
	m.LoadKnownIDs([]string{id})

	fresh, err := m.NewComments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestCheckpointPrecedence(t *testing.T) {
	client := forge.NewInMemoryClient()
	client.Seed(testKey(), forge.Details{Assignees: []string{"alice"}}) // bot unassigned
	client.AddCommentAs(testKey(), "alice", "new comment", false)

	src := &MemorySignal{}
	src.Raise() // pause also signalled

	cp := &Checkpoint{
		Pauser:   NewPauseResumeManager(config.DefaultPauseResumeConfig(), src),
		Stopper:  NewTaskStopManager(config.DefaultTaskStopConfig(), newForgeTask(client), "drover-bot"),
		Comments: NewCommentDetectionManager(config.DefaultCommentDetectionConfig(), newForgeTask(client), ""),
	}

	// Stop wins over pause, both win over comments.
	verdict, comments := cp.Evaluate(context.Background())
	assert.Equal(t, Stop, verdict)
	assert.Empty(t, comments)

	// With the bot assigned again, pause wins.
	client.SetAssignees(testKey(), []string{"drover-bot"})
	cp.Stopper = NewTaskStopManager(config.DefaultTaskStopConfig(), newForgeTask(client), "drover-bot")
	verdict, comments = cp.Evaluate(context.Background())
	assert.Equal(t, Pause, verdict)
	assert.Empty(t, comments)

	// No signals: comments flow.
	src.Clear()
	cp.Stopper = NewTaskStopManager(config.DefaultTaskStopConfig(), newForgeTask(client), "drover-bot")
	verdict, comments = cp.Evaluate(context.Background())
	assert.Equal(t, Continue, verdict)
	assert.Len(t, comments, 1)
}
