// Package forge defines the boundary to the code-hosting platform: the
// Client capability set the core consumes, and the Task abstraction that
// gives issues, PRs, and MRs a uniform surface (prompting, labeling,
// commenting, assignee queries).
//
// Concrete REST/RPC wrappers live outside the core; the in-memory client in
// testing.go implements the same contract for tests and local development.
package forge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/drover/pkg/task"
)

// Details is the snapshot of a forge object returned by GetTask.
type Details struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
	Creator   string
}

// Comment is one forge comment. IDs are platform-normalized to strings.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time

	// IsBotGuess is the platform's own bot heuristic (e.g. GitHub app
	// accounts). The comment detector additionally filters by the
	// configured bot username.
	IsBotGuess bool
}

// Client is the capability set the core requires from a forge.
// No transactional guarantees hold across calls; the forge is authoritative
// and label state doubles as the cross-process lock.
type Client interface {
	// ListTasks returns keys of work items matching the query.
	ListTasks(ctx context.Context, query string) ([]task.Key, error)

	GetTask(ctx context.Context, key task.Key) (*Details, error)

	AddLabel(ctx context.Context, key task.Key, label string) error
	RemoveLabel(ctx context.Context, key task.Key, label string) error
	SetLabels(ctx context.Context, key task.Key, labels []string) error

	ListComments(ctx context.Context, key task.Key) ([]Comment, error)
	AddComment(ctx context.Context, key task.Key, body string) (string, error)
	UpdateComment(ctx context.Context, key task.Key, commentID, body string) error

	GetAssignees(ctx context.Context, key task.Key) ([]string, error)

	// CreateDraftChange opens a draft PR/MR for an issue. Used only by the
	// optional issue-conversion pre-check.
	CreateDraftChange(ctx context.Context, key task.Key, title, body string) (task.Key, error)
}

// APIError carries the forge HTTP status so callers can split retryable
// transport trouble from fatal auth failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forge api error %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports a 401/403 from the forge. Not retryable.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
}

// IsNotFound reports a 404 from the forge: the object is gone.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 404
}

// IsRetryable reports transient forge trouble (5xx, 429).
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
}
