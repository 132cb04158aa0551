package signals

import (
	"context"
	"log/slog"

	"github.com/forgeworks/drover/pkg/forge"
)

// Verdict is the outcome of one checkpoint evaluation.
type Verdict int

const (
	Continue Verdict = iota
	Pause
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Pause:
		return "pause"
	case Stop:
		return "stop"
	default:
		return "continue"
	}
}

// Checkpoint bundles the three managers and applies precedence: stop wins
// over pause, both win over comment injection. Any manager may be nil.
type Checkpoint struct {
	Pauser   *PauseResumeManager
	Stopper  *TaskStopManager
	Comments *CommentDetectionManager
}

// Evaluate runs one checkpoint. Comments are returned only when the verdict
// is Continue; a pausing or stopping task must not grow its conversation.
// Manager errors are logged and treated as "no signal" so transient forge
// trouble never kills a task.
func (c *Checkpoint) Evaluate(ctx context.Context) (Verdict, []forge.Comment) {
	if stop, err := c.Stopper.ShouldStop(ctx); err != nil {
		slog.Warn("Stop check failed, continuing", "error", err)
	} else if stop {
		return Stop, nil
	}

	if pause, err := c.Pauser.ShouldPause(); err != nil {
		slog.Warn("Pause check failed, continuing", "error", err)
	} else if pause {
		return Pause, nil
	}

	fresh, err := c.Comments.NewComments(ctx)
	if err != nil {
		slog.Warn("Comment check failed, continuing", "error", err)
		return Continue, nil
	}
	return Continue, fresh
}
