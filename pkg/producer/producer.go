// Package producer discovers triggered work items on the forge, claims them
// via the label state machine, and enqueues task descriptors. It also
// re-enqueues paused contexts once the fleetwide pause signal clears.
//
// At most one producer runs per context base directory; a flock on
// producer.lock enforces the singleton so two producers cannot race each
// other on re-enqueueing the same paused task.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/health"
	"github.com/forgeworks/drover/pkg/queue"
	"github.com/forgeworks/drover/pkg/signals"
	"github.com/forgeworks/drover/pkg/task"
)

// ErrLocked is returned when another producer holds the singleton lock.
var ErrLocked = errors.New("another producer holds the lock")

// errPaused makes waitInterval report the fleetwide pause so the continuous
// loop can exit cleanly.
var errPaused = errors.New("pause signal raised")

// Producer runs the discovery side of the pipeline.
type Producer struct {
	cfg    *config.Config
	client forge.Client
	queue  queue.TaskQueue

	// store is nil when context storage is disabled; paused re-enqueueing
	// is then skipped (nothing can be paused without a store).
	store *contextstore.Manager

	pause  signals.Source
	health *health.File
	lock   *flock.Flock
	logger *slog.Logger

	// resumed tracks UUIDs already re-enqueued by this process so a paused
	// context waiting in the queue is not enqueued again every interval.
	// Cross-process duplicates remain possible; the consumer tolerates them.
	mu      sync.Mutex
	resumed map[string]struct{}
}

// New wires a producer over a forge client and a queue. store may be nil.
func New(cfg *config.Config, client forge.Client, q queue.TaskQueue, store *contextstore.Manager) *Producer {
	baseDir := cfg.ContextStorage.BaseDir
	return &Producer{
		cfg:     cfg,
		client:  client,
		queue:   q,
		store:   store,
		pause:   signals.NewFileSignal(signals.PauseSignalPath(cfg.PauseResume.SignalFile, baseDir)),
		health:  health.NewFile(baseDir, "producer"),
		lock:    flock.New(filepath.Join(baseDir, "producer.lock")),
		logger:  slog.Default().With("component", "producer"),
		resumed: make(map[string]struct{}),
	}
}

// RunOnce performs one discovery pass under the singleton lock: re-enqueue
// paused contexts, then discover and claim newly triggered work items.
// Returns ErrLocked when another producer is active.
func (p *Producer) RunOnce(ctx context.Context) error {
	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring producer lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer p.lock.Unlock()

	return p.runPass(ctx)
}

// Run is the continuous producer loop. It holds the singleton lock for its
// whole lifetime and sleeps interval_minutes between passes, sampling the
// shutdown context and the pause signal once per second. Raising the pause
// signal ends the loop with a clean exit.
func (p *Producer) Run(ctx context.Context) error {
	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring producer lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer p.lock.Unlock()

	interval := time.Duration(p.cfg.Continuous.Producer.IntervalMinutes) * time.Minute
	p.logger.Info("Producer loop started", "interval", interval)

	if p.cfg.Continuous.Producer.DelayFirstRun {
		if err := p.waitInterval(ctx, interval); err != nil {
			return p.exitErr(err)
		}
	}

	for {
		if err := p.health.Touch(); err != nil {
			p.logger.Warn("Health touch failed", "error", err)
		}
		if err := p.runPass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Producer pass failed", "error", err)
		}
		if err := p.waitInterval(ctx, interval); err != nil {
			return p.exitErr(err)
		}
	}
}

// exitErr maps a pause-triggered exit to a clean return.
func (p *Producer) exitErr(err error) error {
	if errors.Is(err, errPaused) {
		p.logger.Info("Pause signal raised, producer exiting")
		return nil
	}
	return err
}

func (p *Producer) runPass(ctx context.Context) error {
	if paused, err := p.pause.Active(); err != nil {
		p.logger.Warn("Pause signal check failed", "error", err)
	} else if paused {
		p.logger.Info("Pause signal raised, skipping discovery")
		return nil
	}

	if err := p.enqueuePaused(ctx); err != nil {
		// Discovery still runs; paused re-enqueueing retries next pass.
		p.logger.Error("Re-enqueueing paused tasks failed", "error", err)
	}
	return p.discover(ctx)
}

// enqueuePaused turns every paused context back into a queue descriptor with
// is_resumed set. The UUID is preserved so the consumer reopens the same
// context directory and tasks.db row. The forge is probed first: a work item
// deleted while paused is never re-enqueued.
func (p *Producer) enqueuePaused(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	states, err := p.store.ListPaused()
	if err != nil {
		return err
	}

	for _, state := range states {
		p.mu.Lock()
		_, seen := p.resumed[state.UUID]
		p.mu.Unlock()
		if seen {
			continue
		}

		key, err := task.ParseKey(state.TaskKey)
		if err != nil {
			p.logger.Warn("Skipping paused context with bad task key",
				"uuid", state.UUID, "task_key", state.TaskKey, "error", err)
			continue
		}

		if _, err := p.client.GetTask(ctx, key); err != nil {
			if forge.IsNotFound(err) {
				p.logger.Warn("Paused task no longer exists on forge, not re-enqueueing",
					"task", key.String(), "uuid", state.UUID)
			} else {
				p.logger.Warn("Probing paused task failed, retrying next pass",
					"task", key.String(), "uuid", state.UUID, "error", err)
			}
			continue
		}

		d := task.Descriptor{
			Key:               key,
			UUID:              state.UUID,
			User:              state.User,
			IsResumed:         true,
			PausedContextPath: state.ContextPath,
		}
		if err := p.queue.Enqueue(ctx, d); err != nil {
			return fmt.Errorf("enqueueing resumed task %s: %w", state.UUID, err)
		}
		p.mu.Lock()
		p.resumed[state.UUID] = struct{}{}
		p.mu.Unlock()
		p.logger.Info("Re-enqueued paused task", "task", key.String(), "uuid", state.UUID)
	}
	return nil
}

// discover lists triggered work items and claims each one. The claim (trigger
// label removal) is the cross-producer mutual exclusion: losing the race
// surfaces as ErrAlreadyClaimed and the item is skipped without error.
func (p *Producer) discover(ctx context.Context) error {
	labels := p.cfg.Forge()
	query := fmt.Sprintf("label:%q", labels.BotLabel)
	if labels.Query != "" {
		query += " " + labels.Query
	}

	keys, err := p.client.ListTasks(ctx, query)
	if err != nil {
		return fmt.Errorf("listing triggered work items: %w", err)
	}
	if len(keys) > 0 {
		p.logger.Info("Discovered triggered work items", "count", len(keys))
	}

	for _, key := range keys {
		t := forge.NewTask(p.client, labels, key)
		if err := t.Prepare(ctx); err != nil {
			if errors.Is(err, forge.ErrAlreadyClaimed) {
				p.logger.Info("Work item already claimed", "task", key.String())
				continue
			}
			p.logger.Error("Claiming work item failed", "task", key.String(), "error", err)
			continue
		}

		creator, err := t.Creator(ctx)
		if err != nil {
			p.logger.Warn("Creator lookup failed, overlay disabled for task",
				"task", key.String(), "error", err)
		}

		d := task.NewDescriptor(key, creator)
		if err := p.queue.Enqueue(ctx, d); err != nil {
			// The item keeps its processing label; an operator has to
			// re-trigger it. Logged loudly for that reason.
			p.logger.Error("Enqueue failed after claim, task stranded",
				"task", key.String(), "uuid", d.UUID, "error", err)
			continue
		}
		p.logger.Info("Enqueued task", "task", key.String(), "uuid", d.UUID, "user", creator)
	}
	return nil
}

// waitInterval sleeps d in one-second slices, watching the shutdown context
// and the pause signal. Returns errPaused when the pause file appears and
// ctx.Err() on cancellation.
func (p *Producer) waitInterval(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if paused, err := p.pause.Active(); err != nil {
			p.logger.Warn("Pause signal check failed", "error", err)
		} else if paused {
			return errPaused
		}
		step := time.Until(deadline)
		if step <= 0 {
			return nil
		}
		if step > time.Second {
			step = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
}
