package consumer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/queue"
	"github.com/forgeworks/drover/pkg/signals"
	"github.com/forgeworks/drover/pkg/task"
)

type recordingHandler struct {
	handled []task.Descriptor
	models  []string
	fail    error
}

func (h *recordingHandler) Handle(_ context.Context, d task.Descriptor) error {
	h.handled = append(h.handled, d)
	return h.fail
}

func newConsumer(t *testing.T) (*Consumer, *queue.MemoryQueue, *recordingHandler) {
	t.Helper()
	cfg := config.Default()
	cfg.ContextStorage.BaseDir = t.TempDir()
	cfg.Continuous.Consumer.QueueTimeoutSeconds = 0 // non-blocking drains in tests

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	h := &recordingHandler{}
	c := New(cfg, forge.NewInMemoryClient(), q, nil)
	c.newHandler = func(taskCfg *config.Config) TaskHandler {
		h.models = append(h.models, taskCfg.LLM.Active().Model)
		return h
	}
	return c, q, h
}

func testKey(n int) task.Key {
	return task.Key{Platform: "github", Kind: task.KindIssue, Owner: "acme", Project: "widgets", Number: n}
}

func TestRunOnceDrainsQueue(t *testing.T) {
	c, q, h := newConsumer(t)
	d1 := task.NewDescriptor(testKey(1), "alice")
	d2 := task.NewDescriptor(testKey(2), "bob")
	require.NoError(t, q.Enqueue(context.Background(), d1))
	require.NoError(t, q.Enqueue(context.Background(), d2))

	require.NoError(t, c.RunOnce(context.Background()))

	require.Len(t, h.handled, 2)
	assert.Equal(t, d1.UUID, h.handled[0].UUID)
	assert.Equal(t, d2.UUID, h.handled[1].UUID)

	// Both deliveries settled: nothing left to dequeue.
	d, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRunOnceNacksOnHandlerError(t *testing.T) {
	c, q, h := newConsumer(t)
	h.fail = fmt.Errorf("store unavailable")
	d := task.NewDescriptor(testKey(1), "alice")
	require.NoError(t, q.Enqueue(context.Background(), d))

	// The drain loop redelivers within the same RunOnce; cap it by clearing
	// the failure after the first attempt is impossible with a plain error,
	// so drain manually instead.
	got, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	c.process(context.Background(), *got)

	// Nacked: the descriptor is back at the head of the queue.
	redelivered, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, d.UUID, redelivered.UUID)
}

func TestProcessDropsStaleResume(t *testing.T) {
	c, q, h := newConsumer(t)
	d := task.NewDescriptor(testKey(1), "alice")
	d.IsResumed = true
	d.PausedContextPath = filepath.Join(t.TempDir(), "gone")
	require.NoError(t, q.Enqueue(context.Background(), d))

	require.NoError(t, c.RunOnce(context.Background()))

	assert.Empty(t, h.handled)
	left, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestProcessKeepsLiveResume(t *testing.T) {
	c, q, h := newConsumer(t)
	pausedDir := t.TempDir()
	require.NoError(t, os.MkdirAll(pausedDir, 0o755))

	d := task.NewDescriptor(testKey(1), "alice")
	d.IsResumed = true
	d.PausedContextPath = pausedDir
	require.NoError(t, q.Enqueue(context.Background(), d))

	require.NoError(t, c.RunOnce(context.Background()))
	require.Len(t, h.handled, 1)
	assert.True(t, h.handled[0].IsResumed)
}

func TestRunExitsOnPause(t *testing.T) {
	c, q, h := newConsumer(t)
	pause := &signals.MemorySignal{}
	pause.Raise()
	c.pause = pause

	// Queued work stays queued: the raised pause ends the loop cleanly
	// before the next dequeue.
	d := task.NewDescriptor(testKey(1), "alice")
	require.NoError(t, q.Enqueue(context.Background(), d))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer kept running after pause")
	}
	assert.Empty(t, h.handled)
}

func TestProcessAppliesUserOverlay(t *testing.T) {
	c, q, h := newConsumer(t)
	c.users = nil // disabled sidecar: deployment config passes through

	d := task.NewDescriptor(testKey(1), "alice")
	require.NoError(t, q.Enqueue(context.Background(), d))
	require.NoError(t, c.RunOnce(context.Background()))

	require.Len(t, h.models, 1)
	assert.Equal(t, c.cfg.LLM.Active().Model, h.models[0])
}
