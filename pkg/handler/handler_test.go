package handler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/llm"
	"github.com/forgeworks/drover/pkg/mcp"
	"github.com/forgeworks/drover/pkg/signals"
	"github.com/forgeworks/drover/pkg/task"
)

// scriptedClient is an LLMClient replaying canned responses.
type scriptedClient struct {
	responses   []*llm.Response
	log         llm.MessageLog
	system      string
	tools       []llm.FunctionDecl
	hook        llm.StatisticsHook
	completeErr error
}

func (c *scriptedClient) AppendSystem(prompt string) { c.system = prompt }

func (c *scriptedClient) AppendUser(text string) error {
	_, err := c.log.Append(contextstore.RoleUser, text, "")
	return err
}

func (c *scriptedClient) AppendToolResult(name, payload string) error {
	_, err := c.log.Append(contextstore.RoleTool, payload, name)
	return err
}

func (c *scriptedClient) GetResponse(context.Context) (*llm.Response, error) {
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("llm script exhausted")
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	if _, err := c.log.Append(contextstore.RoleAssistant, r.Text, ""); err != nil {
		return nil, err
	}
	if c.hook != nil {
		c.hook(r.Usage)
	}
	return r, nil
}

func (c *scriptedClient) Complete(context.Context, string) (string, llm.Usage, error) {
	return "summary", llm.Usage{}, c.completeErr
}

func (c *scriptedClient) SetStatisticsHook(hook llm.StatisticsHook) { c.hook = hook }

func (c *scriptedClient) UpdateTools(tools []llm.FunctionDecl) { c.tools = tools }

func handlerKey() task.Key {
	return task.Key{Platform: "github", Kind: task.KindIssue, Owner: "acme", Project: "widgets", Number: 12}
}

type fixture struct {
	h      *Handler
	cfg    *config.Config
	client *forge.InMemoryClient
	store  *contextstore.Manager
	exec   *mcp.StubExecutor
	llm    *scriptedClient
	pause  *signals.MemorySignal
}

func newFixture(t *testing.T, responses ...*llm.Response) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.GitHub.BotName = "drover-bot"
	cfg.ContextStorage.BaseDir = t.TempDir()

	fc := forge.NewInMemoryClient()
	fc.Seed(handlerKey(), forge.Details{
		Title:     "Fix the widget",
		Body:      "It is broken.",
		Labels:    []string{cfg.GitHub.ProcessingLabel},
		Assignees: []string{"drover-bot"},
		Creator:   "alice",
	})

	db, err := contextstore.OpenDB(filepath.Join(cfg.ContextStorage.BaseDir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := contextstore.NewManager(cfg.ContextStorage, db)
	require.NoError(t, store.EnsureLayout())

	f := &fixture{
		cfg:    cfg,
		client: fc,
		store:  store,
		exec:   mcp.NewStubExecutor(),
		llm:    &scriptedClient{responses: responses},
		pause:  &signals.MemorySignal{},
	}
	f.h = New(cfg, fc, store)
	f.h.newExecutor = func(context.Context) (mcp.Executor, error) { return f.exec, nil }
	f.h.newClient = func(_ config.LLMProviderConfig, log llm.MessageLog, _ string) LLMClient {
		f.llm.log = log
		return f.llm
	}
	f.h.pauseSource = f.pause
	return f
}

func descriptor() task.Descriptor {
	return task.NewDescriptor(handlerKey(), "alice")
}

func TestHandleToolCallThenDone(t *testing.T) {
	f := newFixture(t,
		&llm.Response{Text: `{"role":"assistant","function_call":{"name":"git.clone","arguments":{"url":"x"}}}`},
		&llm.Response{Text: `{"done":true,"comment":"Fixed in PR #99."}`},
	)
	f.exec.Enqueue("git.clone", mcp.Result{Content: "cloned"})

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	// Forge outcome: done label, completion comment.
	labels := f.client.Labels(handlerKey())
	assert.Contains(t, labels, f.cfg.GitHub.DoneLabel)
	assert.NotContains(t, labels, f.cfg.GitHub.ProcessingLabel)
	comments := f.client.Comments(handlerKey())
	require.NotEmpty(t, comments)
	assert.Equal(t, "Fixed in PR #99.", comments[len(comments)-1].Body)

	// Context archived, row completed.
	assert.DirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusCompleted, row.Status)

	// The tool call ran with parsed arguments.
	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "x", calls[0].Args["url"])
}

func TestHandlePauseSignal(t *testing.T) {
	f := newFixture(t) // no LLM responses needed: pause hits before the first call
	f.pause.Raise()

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	pausedDir := filepath.Join(f.store.PausedDir(), d.UUID)
	assert.DirExists(t, pausedDir)

	state, err := contextstore.ReadTaskState(pausedDir)
	require.NoError(t, err)
	assert.Equal(t, d.UUID, state.UUID)
	require.NotNil(t, state.Comments)

	assert.Contains(t, f.client.Labels(handlerKey()), f.cfg.GitHub.PausedLabel)

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusPaused, row.Status)
}

func TestHandleStopOnUnassign(t *testing.T) {
	f := newFixture(t)
	f.client.SetAssignees(handlerKey(), []string{"alice"}) // bot unassigned

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	labels := f.client.Labels(handlerKey())
	assert.Contains(t, labels, f.cfg.GitHub.StoppedLabel)
	assert.NotContains(t, labels, f.cfg.GitHub.ProcessingLabel)

	// Default config archives the context rather than deleting it.
	assert.DirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
}

func TestHandleStopCleanupContext(t *testing.T) {
	f := newFixture(t)
	f.cfg.TaskStop.CleanupContext = true
	f.client.SetAssignees(handlerKey(), []string{"alice"})

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	assert.NoDirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
	assert.NoDirExists(t, filepath.Join(f.store.RunningDir(), d.UUID))
}

func TestHandleToolFailureBudget(t *testing.T) {
	call := &llm.Response{Text: `{"function_call":{"name":"shell.run","arguments":{"cmd":"make"}}}`}
	f := newFixture(t, call, call, call)
	for i := 0; i < 3; i++ {
		f.exec.Enqueue("shell.run", mcp.Result{Content: "exit 1", IsError: true})
	}

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "shell.run")

	// Failure is visible on the forge.
	comments := f.client.Comments(handlerKey())
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1].Body, "could not finish")
	assert.NotContains(t, f.client.Labels(handlerKey()), f.cfg.GitHub.ProcessingLabel)
}

func TestHandleParseFailureBudget(t *testing.T) {
	garbage := &llm.Response{Text: "I think I should clone the repo first."}
	f := newFixture(t, garbage, garbage, garbage, garbage, garbage)

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "unparsable")
}

func TestHandleExecutorFailureIsHandledOnce(t *testing.T) {
	f := newFixture(t)
	f.h.newExecutor = func(context.Context) (mcp.Executor, error) {
		return nil, fmt.Errorf("mcp server unreachable")
	}

	// A finalized failure is a handled outcome: nil return so the consumer
	// acks instead of redelivering an already-archived UUID.
	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusFailed, row.Status)
	assert.DirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
	assert.NoDirExists(t, filepath.Join(f.store.RunningDir(), d.UUID))
}

func TestHandleLLMFailureIsHandledOnce(t *testing.T) {
	f := newFixture(t) // exhausted script: the first LLM call errors

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "llm call")
	assert.DirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
}

func TestHandleCompletesWhenSummarizerFails(t *testing.T) {
	f := newFixture(t,
		&llm.Response{Text: `{"function_call":{"name":"git.clone","arguments":{"url":"x"}}}`},
		&llm.Response{Text: `{"done":true,"comment":"finished"}`},
	)
	f.exec.Enqueue("git.clone", mcp.Result{Content: "cloned"})
	// Force the compression checkpoint on every iteration and break the
	// summarizer; the loop must continue uncompressed.
	f.cfg.ContextStorage.CompressionThreshold = 0
	f.cfg.ContextStorage.RetainedTail = 0
	f.llm.completeErr = fmt.Errorf("summarizer unavailable")

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))

	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusCompleted, row.Status)
	assert.Contains(t, f.client.Labels(handlerKey()), f.cfg.GitHub.DoneLabel)
}

func TestHandleLegacyStrategy(t *testing.T) {
	f := newFixture(t, &llm.Response{Text: `{"done":true,"comment":"nothing to do"}`})
	f.cfg.ContextStorage.Enabled = false
	f.h.store = nil

	require.NoError(t, f.h.Handle(context.Background(), descriptor()))
	assert.Contains(t, f.client.Labels(handlerKey()), f.cfg.GitHub.DoneLabel)
}

func TestHandleIssueConversion(t *testing.T) {
	f := newFixture(t) // no LLM responses: conversion short-circuits the agent
	f.cfg.IssueConversion.Enabled = true

	require.NoError(t, f.h.Handle(context.Background(), descriptor()))

	assert.Contains(t, f.client.Labels(handlerKey()), f.cfg.GitHub.DoneLabel)
	comments := f.client.Comments(handlerKey())
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0].Body, "draft change")
}

func TestHandleResumeRestoresCommentState(t *testing.T) {
	// First run: pause with known comment IDs.
	f := newFixture(t)
	id := f.client.AddCommentAs(handlerKey(), "alice", "pre-existing", false)
	f.pause.Raise()

	d := descriptor()
	require.NoError(t, f.h.Handle(context.Background(), d))
	pausedDir := filepath.Join(f.store.PausedDir(), d.UUID)
	state, err := contextstore.ReadTaskState(pausedDir)
	require.NoError(t, err)
	assert.Contains(t, state.Comments.KnownCommentIDs, id)

	// Resume: the known comment is not re-injected, and the task completes.
	f.pause.Clear()
	f.llm.responses = []*llm.Response{{Text: `{"done":true,"comment":"resumed and finished"}`}}

	resumed := d
	resumed.IsResumed = true
	resumed.PausedContextPath = pausedDir
	require.NoError(t, f.h.Handle(context.Background(), resumed))

	assert.DirExists(t, filepath.Join(f.store.CompletedDir(), d.UUID))
	row, err := f.store.DB().Get(context.Background(), d.UUID)
	require.NoError(t, err)
	assert.Equal(t, 1, row.ResumeCount)
}
