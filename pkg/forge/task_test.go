package forge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/task"
)

func issueKey(n int) task.Key {
	return task.Key{Platform: "github", Kind: task.KindIssue, Owner: "acme", Project: "widgets", Number: n}
}

func TestPrepareClaimsTriggerLabel(t *testing.T) {
	client := NewInMemoryClient()
	labels := config.DefaultForgeConfig()
	key := issueKey(101)
	client.Seed(key, Details{
		Title:   "Add hello",
		Labels:  []string{labels.BotLabel},
		Creator: "alice",
	})

	ft := NewTask(client, labels, key)
	require.NoError(t, ft.Prepare(context.Background()))

	assert.Equal(t, []string{labels.ProcessingLabel}, client.Labels(key))
}

func TestPrepareConflictWhenAlreadyClaimed(t *testing.T) {
	client := NewInMemoryClient()
	labels := config.DefaultForgeConfig()
	key := issueKey(102)
	client.Seed(key, Details{Labels: []string{labels.ProcessingLabel}})

	ft := NewTask(client, labels, key)
	err := ft.Prepare(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestBuildPromptIncludesTitleAndBody(t *testing.T) {
	client := NewInMemoryClient()
	key := issueKey(7)
	client.Seed(key, Details{Title: "Fix crash", Body: "Stack trace attached."})

	ft := NewTask(client, config.DefaultForgeConfig(), key)
	prompt, err := ft.BuildPrompt(context.Background())
	require.NoError(t, err)

	assert.Contains(t, prompt, "Fix crash")
	assert.Contains(t, prompt, "Stack trace attached.")
	assert.Contains(t, prompt, key.String())
}

func TestLabelTransitions(t *testing.T) {
	labels := config.DefaultForgeConfig()
	ctx := context.Background()

	tests := []struct {
		name   string
		start  []string
		act    func(*Task) error
		expect []string
	}{
		{
			name:   "done",
			start:  []string{labels.ProcessingLabel},
			act:    func(ft *Task) error { return ft.MarkDone(ctx) },
			expect: []string{labels.DoneLabel},
		},
		{
			name:   "paused",
			start:  []string{labels.ProcessingLabel},
			act:    func(ft *Task) error { return ft.MarkPaused(ctx) },
			expect: []string{labels.PausedLabel},
		},
		{
			name:   "resumed",
			start:  []string{labels.PausedLabel},
			act:    func(ft *Task) error { return ft.MarkResumed(ctx) },
			expect: []string{labels.ProcessingLabel},
		},
		{
			name:   "stopped",
			start:  []string{labels.ProcessingLabel},
			act:    func(ft *Task) error { return ft.MarkStopped(ctx) },
			expect: []string{labels.StoppedLabel},
		},
		{
			name:   "failed leaves no state label",
			start:  []string{labels.ProcessingLabel},
			act:    func(ft *Task) error { return ft.MarkFailed(ctx) },
			expect: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewInMemoryClient()
			key := issueKey(1)
			client.Seed(key, Details{Labels: tt.start})

			require.NoError(t, tt.act(NewTask(client, labels, key)))

			got := client.Labels(key)
			if len(tt.expect) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.expect, got)
			}
		})
	}
}

func TestWithRetryStopsOnAuthError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), config.DefaultTaskStopConfig().APIRetry, func() error {
		calls++
		return &APIError{StatusCode: 403, Message: "forbidden"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesServerErrors(t *testing.T) {
	cfg := config.APIRetryConfig{MaxRetries: 3, InitialDelaySeconds: 0, MaxDelaySeconds: 0, ExponentialBase: 2}
	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return &APIError{StatusCode: 502, Message: "bad gateway"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
