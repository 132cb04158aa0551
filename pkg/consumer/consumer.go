// Package consumer dequeues task descriptors and drives the handler for each
// one. Multiple consumers may share one RabbitMQ queue; each descriptor is
// acknowledged only after the handler has reached a terminal or paused state,
// so a consumer crash redelivers the task.
package consumer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/handler"
	"github.com/forgeworks/drover/pkg/health"
	"github.com/forgeworks/drover/pkg/queue"
	"github.com/forgeworks/drover/pkg/signals"
	"github.com/forgeworks/drover/pkg/task"
	"github.com/forgeworks/drover/pkg/userconfig"
)

// TaskHandler runs one descriptor to a terminal or paused state.
type TaskHandler interface {
	Handle(ctx context.Context, d task.Descriptor) error
}

// Consumer is the dequeue-and-dispatch loop.
type Consumer struct {
	cfg   *config.Config
	queue queue.TaskQueue

	// store is nil when context storage is disabled.
	store *contextstore.Manager

	users  *userconfig.Client
	pause  signals.Source
	health *health.File
	logger *slog.Logger

	// newHandler builds the handler for one task, after the per-user config
	// overlay has been applied. Swapped in tests.
	newHandler func(cfg *config.Config) TaskHandler

	lastDispatch time.Time
}

// New wires a consumer over a queue and a forge client. store may be nil.
func New(cfg *config.Config, forgeClient forge.Client, q queue.TaskQueue, store *contextstore.Manager) *Consumer {
	baseDir := cfg.ContextStorage.BaseDir
	return &Consumer{
		cfg:    cfg,
		queue:  q,
		store:  store,
		users:  userconfig.NewClient(cfg.UserConfig),
		pause:  signals.NewFileSignal(signals.PauseSignalPath(cfg.PauseResume.SignalFile, baseDir)),
		health: health.NewFile(baseDir, "consumer"),
		logger: slog.Default().With("component", "consumer"),
		newHandler: func(taskCfg *config.Config) TaskHandler {
			return handler.New(taskCfg, forgeClient, store)
		},
	}
}

// RunOnce drains the queue: dequeue and handle until a dequeue window
// expires empty.
func (c *Consumer) RunOnce(ctx context.Context) error {
	for {
		d, err := c.queue.Dequeue(ctx, c.cfg.Continuous.Consumer.QueueTimeout())
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		c.process(ctx, *d)
	}
}

// Run is the continuous consumer loop. The pause signal is checked between
// tasks: a task already in flight observes the signal at its own checkpoints
// and parks itself, then the loop exits cleanly before the next dequeue.
func (c *Consumer) Run(ctx context.Context) error {
	loop := c.cfg.Continuous.Consumer
	c.logger.Info("Consumer loop started",
		"queue_timeout", loop.QueueTimeout(), "min_interval", loop.MinInterval())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.health.Touch(); err != nil {
			c.logger.Warn("Health touch failed", "error", err)
		}

		if paused, err := c.pause.Active(); err != nil {
			c.logger.Warn("Pause signal check failed", "error", err)
		} else if paused {
			c.logger.Info("Pause signal raised, consumer exiting")
			return nil
		}

		if wait := c.cfg.Continuous.Consumer.MinInterval() - time.Since(c.lastDispatch); wait > 0 {
			if !sleepSampled(ctx, wait) {
				return ctx.Err()
			}
		}

		d, err := c.queue.Dequeue(ctx, loop.QueueTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Dequeue failed", "error", err)
			if !sleepSampled(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if d == nil {
			continue
		}
		c.process(ctx, *d)
		c.lastDispatch = time.Now()
	}
}

// process runs one descriptor through the handler and settles the delivery.
// The handler finalizes task-level failures itself (failure comment, label,
// tasks.db row) and returns nil for them; a returned error means the task
// never reached a recordable state, so the delivery is nacked for retry.
func (c *Consumer) process(ctx context.Context, d task.Descriptor) {
	if c.isStaleResume(d) {
		// Duplicate delivery of a resume already handled elsewhere.
		c.logger.Info("Dropping stale resumed descriptor", "uuid", d.UUID, "task", d.Key.String())
		c.settle(d, true)
		return
	}

	taskCfg := c.cfg
	if overlay := c.users.Get(ctx, d.User); overlay != nil {
		taskCfg = userconfig.Apply(c.cfg, overlay)
		c.logger.Info("Applied user config overlay", "user", d.User, "task", d.Key.String())
	}

	c.logger.Info("Handling task", "task", d.Key.String(), "uuid", d.UUID, "resumed", d.IsResumed)
	if err := c.newHandler(taskCfg).Handle(ctx, d); err != nil {
		c.logger.Error("Handler failed before finalization, redelivering",
			"task", d.Key.String(), "uuid", d.UUID, "error", err)
		c.settle(d, false)
		return
	}
	c.settle(d, true)
}

// isStaleResume reports a resumed descriptor whose paused context directory
// no longer exists, meaning another delivery of the same resume already ran.
func (c *Consumer) isStaleResume(d task.Descriptor) bool {
	if !d.IsResumed || d.PausedContextPath == "" {
		return false
	}
	_, err := os.Stat(d.PausedContextPath)
	return os.IsNotExist(err)
}

func (c *Consumer) settle(d task.Descriptor, ok bool) {
	var err error
	if ok {
		err = c.queue.Ack(d)
	} else {
		err = c.queue.Nack(d)
	}
	if err != nil {
		c.logger.Error("Settling delivery failed", "uuid", d.UUID, "ack", ok, "error", err)
	}
}

func sleepSampled(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		step := time.Until(deadline)
		if step > time.Second {
			step = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
	return true
}
