package forge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/task"
)

// ErrAlreadyClaimed is returned by Prepare when the trigger label is gone,
// meaning another producer won the race for this work item.
var ErrAlreadyClaimed = errors.New("work item already claimed")

// Task is the live, per-handler view of one forge object. Constructed on
// dequeue (or by the producer during discovery) and discarded at handler
// exit; all durable state lives in the context store.
type Task struct {
	client Client
	labels *config.ForgeConfig
	key    task.Key

	// details is the last fetched snapshot; refreshed by Refresh.
	details *Details
}

// NewTask binds a forge client and the label vocabulary to one work item.
func NewTask(client Client, labels *config.ForgeConfig, key task.Key) *Task {
	return &Task{client: client, labels: labels, key: key}
}

// Key returns the task key.
func (t *Task) Key() task.Key { return t.key }

// Client exposes the underlying forge client for signal managers.
func (t *Task) Client() Client { return t.client }

// Refresh fetches the current snapshot from the forge.
func (t *Task) Refresh(ctx context.Context) (*Details, error) {
	d, err := t.client.GetTask(ctx, t.key)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", t.key, err)
	}
	t.details = d
	return d, nil
}

// Creator returns the work item's author login, fetching on first use.
func (t *Task) Creator(ctx context.Context) (string, error) {
	if t.details == nil {
		if _, err := t.Refresh(ctx); err != nil {
			return "", err
		}
	}
	return t.details.Creator, nil
}

// Prepare transitions trigger label → processing label. The remove acts as
// the claim: if the trigger label is already absent, another actor grabbed
// the item and ErrAlreadyClaimed is returned.
func (t *Task) Prepare(ctx context.Context) error {
	d, err := t.Refresh(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(d.Labels, t.labels.BotLabel) {
		return ErrAlreadyClaimed
	}
	if err := t.client.RemoveLabel(ctx, t.key, t.labels.BotLabel); err != nil {
		return fmt.Errorf("removing trigger label: %w", err)
	}
	if err := t.client.AddLabel(ctx, t.key, t.labels.ProcessingLabel); err != nil {
		return fmt.Errorf("adding processing label: %w", err)
	}
	return nil
}

// BuildPrompt renders the initial user message for the LLM from the work
// item's title and body.
func (t *Task) BuildPrompt(ctx context.Context) (string, error) {
	d := t.details
	if d == nil {
		var err error
		if d, err = t.Refresh(ctx); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	switch t.key.Kind {
	case task.KindIssue:
		fmt.Fprintf(&b, "Resolve the following issue (%s):\n\n", t.key)
	default:
		fmt.Fprintf(&b, "Address the review state of the following change request (%s):\n\n", t.key)
	}
	fmt.Fprintf(&b, "Title: %s\n\n%s\n", d.Title, d.Body)
	return b.String(), nil
}

// Comment posts a comment and returns its ID.
func (t *Task) Comment(ctx context.Context, body string) (string, error) {
	return t.client.AddComment(ctx, t.key, body)
}

// UpdateComment rewrites an existing comment (checklist updates).
func (t *Task) UpdateComment(ctx context.Context, commentID, body string) error {
	return t.client.UpdateComment(ctx, t.key, commentID, body)
}

// ListComments returns all comments on the work item.
func (t *Task) ListComments(ctx context.Context) ([]Comment, error) {
	return t.client.ListComments(ctx, t.key)
}

// Assignees returns the current assignee logins.
func (t *Task) Assignees(ctx context.Context) ([]string, error) {
	return t.client.GetAssignees(ctx, t.key)
}

// MarkDone swaps processing → done.
func (t *Task) MarkDone(ctx context.Context) error {
	return t.swapLabel(ctx, t.labels.ProcessingLabel, t.labels.DoneLabel)
}

// MarkPaused swaps processing → paused.
func (t *Task) MarkPaused(ctx context.Context) error {
	return t.swapLabel(ctx, t.labels.ProcessingLabel, t.labels.PausedLabel)
}

// MarkResumed swaps paused → processing.
func (t *Task) MarkResumed(ctx context.Context) error {
	return t.swapLabel(ctx, t.labels.PausedLabel, t.labels.ProcessingLabel)
}

// MarkStopped removes the processing label and, when configured with a
// stopped label, sets it.
func (t *Task) MarkStopped(ctx context.Context) error {
	if err := t.client.RemoveLabel(ctx, t.key, t.labels.ProcessingLabel); err != nil {
		return fmt.Errorf("removing processing label: %w", err)
	}
	if t.labels.StoppedLabel == "" {
		return nil
	}
	return t.client.AddLabel(ctx, t.key, t.labels.StoppedLabel)
}

// MarkFailed removes the processing label, leaving the failure comment as
// the visible outcome.
func (t *Task) MarkFailed(ctx context.Context) error {
	return t.client.RemoveLabel(ctx, t.key, t.labels.ProcessingLabel)
}

func (t *Task) swapLabel(ctx context.Context, from, to string) error {
	if err := t.client.RemoveLabel(ctx, t.key, from); err != nil {
		return fmt.Errorf("removing label %q: %w", from, err)
	}
	if err := t.client.AddLabel(ctx, t.key, to); err != nil {
		return fmt.Errorf("adding label %q: %w", to, err)
	}
	return nil
}
