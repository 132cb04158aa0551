package task

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Descriptor is the queue payload. The UUID is minted exactly once at first
// enqueue and survives pause/resume cycles; it names the context directory
// and the tasks.db row, so it is the sole identity on the consumer side.
type Descriptor struct {
	Key  Key    `json:"task_key"`
	UUID string `json:"uuid"`

	// User is the login of the work item's creator, used for the per-user
	// config overlay.
	User string `json:"user"`

	// IsResumed marks descriptors re-enqueued from paused/ directories.
	IsResumed bool `json:"is_resumed"`

	// PausedContextPath is set when IsResumed, pointing at the paused
	// context directory to reopen.
	PausedContextPath string `json:"paused_context_path,omitempty"`
}

// NewDescriptor mints a descriptor with a fresh UUID v4 for a newly
// discovered work item.
func NewDescriptor(key Key, user string) Descriptor {
	return Descriptor{
		Key:  key,
		UUID: uuid.NewString(),
		User: user,
	}
}

// Marshal serializes the descriptor for the queue.
func (d Descriptor) Marshal() ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// UnmarshalDescriptor parses and validates a queue payload.
func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parsing task descriptor: %w", err)
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (d Descriptor) validate() error {
	if err := d.Key.Validate(); err != nil {
		return fmt.Errorf("invalid task key: %w", err)
	}
	if _, err := uuid.Parse(d.UUID); err != nil {
		return fmt.Errorf("invalid task uuid %q: %w", d.UUID, err)
	}
	if d.IsResumed && d.PausedContextPath == "" {
		return fmt.Errorf("resumed descriptor missing paused_context_path")
	}
	return nil
}
