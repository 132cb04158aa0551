package forge

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/drover/pkg/task"
)

// InMemoryClient is a thread-safe Client backed by maps. It powers unit and
// end-to-end tests and doubles as a dry-run forge for local development.
type InMemoryClient struct {
	mu       sync.Mutex
	items    map[task.Key]*Details
	comments map[task.Key][]Comment
	nextID   int

	// FailWith, when set, is returned by every call (error injection).
	FailWith error
}

// NewInMemoryClient creates an empty in-memory forge.
func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{
		items:    make(map[task.Key]*Details),
		comments: make(map[task.Key][]Comment),
	}
}

// Seed registers a work item.
func (c *InMemoryClient) Seed(key task.Key, d Details) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := d
	copied.Labels = slices.Clone(d.Labels)
	copied.Assignees = slices.Clone(d.Assignees)
	c.items[key] = &copied
}

// SetAssignees replaces a work item's assignees (stop-on-unassign tests).
func (c *InMemoryClient) SetAssignees(key task.Key, assignees []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.items[key]; ok {
		d.Assignees = slices.Clone(assignees)
	}
}

// Labels returns the current labels of a work item.
func (c *InMemoryClient) Labels(key task.Key) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.items[key]; ok {
		return slices.Clone(d.Labels)
	}
	return nil
}

// Comments returns the current comments of a work item.
func (c *InMemoryClient) Comments(key task.Key) []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.comments[key])
}

// ListTasks returns keys of items carrying the label embedded in the query.
// The query format is the producer's `label:"<name>"` filter; anything after
// the label qualifier is ignored, matching the loosest real-forge behavior.
func (c *InMemoryClient) ListTasks(_ context.Context, query string) ([]task.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return nil, c.FailWith
	}

	label := parseLabelQuery(query)
	var keys []task.Key
	for key, d := range c.items {
		if label == "" || slices.Contains(d.Labels, label) {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b task.Key) int { return a.Number - b.Number })
	return keys, nil
}

// GetTask returns a copy of the item snapshot.
func (c *InMemoryClient) GetTask(_ context.Context, key task.Key) (*Details, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return nil, c.FailWith
	}
	d, ok := c.items[key]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: fmt.Sprintf("no such item %s", key)}
	}
	copied := *d
	copied.Labels = slices.Clone(d.Labels)
	copied.Assignees = slices.Clone(d.Assignees)
	return &copied, nil
}

// AddLabel appends a label if absent.
func (c *InMemoryClient) AddLabel(_ context.Context, key task.Key, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return c.FailWith
	}
	d, ok := c.items[key]
	if !ok {
		return &APIError{StatusCode: 404, Message: key.String()}
	}
	if !slices.Contains(d.Labels, label) {
		d.Labels = append(d.Labels, label)
	}
	return nil
}

// RemoveLabel deletes a label. Removing an absent label is a 404, which is
// what makes the producer's claim race detectable.
func (c *InMemoryClient) RemoveLabel(_ context.Context, key task.Key, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return c.FailWith
	}
	d, ok := c.items[key]
	if !ok {
		return &APIError{StatusCode: 404, Message: key.String()}
	}
	idx := slices.Index(d.Labels, label)
	if idx < 0 {
		return &APIError{StatusCode: 404, Message: "label not present: " + label}
	}
	d.Labels = slices.Delete(d.Labels, idx, idx+1)
	return nil
}

// SetLabels replaces the label set.
func (c *InMemoryClient) SetLabels(_ context.Context, key task.Key, labels []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return c.FailWith
	}
	d, ok := c.items[key]
	if !ok {
		return &APIError{StatusCode: 404, Message: key.String()}
	}
	d.Labels = slices.Clone(labels)
	return nil
}

// ListComments returns all comments in insertion order.
func (c *InMemoryClient) ListComments(_ context.Context, key task.Key) ([]Comment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return nil, c.FailWith
	}
	return slices.Clone(c.comments[key]), nil
}

// AddComment appends a comment authored by "test-user" unless the body is
// added through AddCommentAs.
func (c *InMemoryClient) AddComment(_ context.Context, key task.Key, body string) (string, error) {
	return c.addComment(key, "test-user", body, false)
}

// AddCommentAs appends a comment with an explicit author.
func (c *InMemoryClient) AddCommentAs(key task.Key, author, body string, isBot bool) string {
	id, _ := c.addComment(key, author, body, isBot)
	return id
}

func (c *InMemoryClient) addComment(key task.Key, author, body string, isBot bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return "", c.FailWith
	}
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.comments[key] = append(c.comments[key], Comment{
		ID:         id,
		Author:     author,
		Body:       body,
		CreatedAt:  time.Now(),
		IsBotGuess: isBot,
	})
	return id, nil
}

// UpdateComment rewrites a comment body in place.
func (c *InMemoryClient) UpdateComment(_ context.Context, key task.Key, commentID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return c.FailWith
	}
	for i := range c.comments[key] {
		if c.comments[key][i].ID == commentID {
			c.comments[key][i].Body = body
			return nil
		}
	}
	return &APIError{StatusCode: 404, Message: "no such comment " + commentID}
}

// GetAssignees returns the assignee logins.
func (c *InMemoryClient) GetAssignees(_ context.Context, key task.Key) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return nil, c.FailWith
	}
	d, ok := c.items[key]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: key.String()}
	}
	return slices.Clone(d.Assignees), nil
}

// CreateDraftChange registers a new PR/MR keyed one number above the highest
// existing item.
func (c *InMemoryClient) CreateDraftChange(_ context.Context, key task.Key, title, body string) (task.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWith != nil {
		return task.Key{}, c.FailWith
	}
	max := 0
	for k := range c.items {
		if k.Number > max {
			max = k.Number
		}
	}
	kind := task.KindPR
	if key.Platform == "gitlab" {
		kind = task.KindMR
	}
	change := task.Key{
		Platform: key.Platform,
		Kind:     kind,
		Owner:    key.Owner,
		Project:  key.Project,
		Number:   max + 1,
	}
	c.items[change] = &Details{Title: title, Body: body}
	return change, nil
}

// parseLabelQuery extracts the first label:"..." qualifier from a query.
func parseLabelQuery(query string) string {
	const prefix = `label:"`
	idx := strings.Index(query, prefix)
	if idx < 0 {
		return ""
	}
	rest := query[idx+len(prefix):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
