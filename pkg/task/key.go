// Package task defines the stable identity of a work item as it crosses the
// queue boundary: the platform-tagged TaskKey and the TaskDescriptor payload.
package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the forge object type a task drives.
type Kind string

// Work-item kinds. GitHub uses issue/pr; GitLab uses issue/mr.
const (
	KindIssue Kind = "issue"
	KindPR    Kind = "pr"
	KindMR    Kind = "mr"
)

// Key uniquely identifies one forge object. It round-trips through the queue
// payload and through task_state.json, so the encoding is stable.
type Key struct {
	Platform string `json:"platform"` // "github" | "gitlab"
	Kind     Kind   `json:"kind"`
	Owner    string `json:"owner"`   // GitHub org/user; empty for GitLab
	Project  string `json:"project"` // repo name or GitLab project path/ID
	Number   int    `json:"number"`
}

// String renders the key in the canonical
// "platform:kind:owner/project#number" form used for logging and as the
// task_key column in tasks.db.
func (k Key) String() string {
	owner := k.Owner
	if owner != "" {
		owner += "/"
	}
	return fmt.Sprintf("%s:%s:%s%s#%d", k.Platform, k.Kind, owner, k.Project, k.Number)
}

// ParseKey inverts String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed task key %q", s)
	}
	ref := parts[2]
	hash := strings.LastIndexByte(ref, '#')
	if hash < 0 {
		return Key{}, fmt.Errorf("malformed task key %q: missing number", s)
	}
	number, err := strconv.Atoi(ref[hash+1:])
	if err != nil {
		return Key{}, fmt.Errorf("malformed task key %q: %w", s, err)
	}

	k := Key{
		Platform: parts[0],
		Kind:     Kind(parts[1]),
		Number:   number,
	}
	path := ref[:hash]
	if slash := strings.IndexByte(path, '/'); slash >= 0 && k.Platform == "github" {
		k.Owner = path[:slash]
		k.Project = path[slash+1:]
	} else {
		k.Project = path
	}

	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks platform/kind coherence.
func (k Key) Validate() error {
	switch k.Platform {
	case "github":
		if k.Kind != KindIssue && k.Kind != KindPR {
			return fmt.Errorf("github task kind must be issue or pr, got %q", k.Kind)
		}
		if k.Owner == "" {
			return fmt.Errorf("github task key requires owner")
		}
	case "gitlab":
		if k.Kind != KindIssue && k.Kind != KindMR {
			return fmt.Errorf("gitlab task kind must be issue or mr, got %q", k.Kind)
		}
	default:
		return fmt.Errorf("unknown platform %q", k.Platform)
	}
	if k.Project == "" {
		return fmt.Errorf("task key requires project")
	}
	if k.Number <= 0 {
		return fmt.Errorf("task key number must be positive, got %d", k.Number)
	}
	return nil
}
