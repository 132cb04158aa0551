// Package handler executes one dequeued task descriptor end to end: strategy
// selection, the LLM/tool loop, signal handling, and finalization on the
// forge and in the context store.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/forgeworks/drover/pkg/compression"
	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/llm"
	"github.com/forgeworks/drover/pkg/mcp"
	"github.com/forgeworks/drover/pkg/planning"
	"github.com/forgeworks/drover/pkg/signals"
	"github.com/forgeworks/drover/pkg/task"
)

// LLMClient is the slice of *llm.Client the handler drives.
type LLMClient interface {
	AppendSystem(prompt string)
	AppendUser(text string) error
	AppendToolResult(name, payload string) error
	GetResponse(ctx context.Context) (*llm.Response, error)
	Complete(ctx context.Context, prompt string) (string, llm.Usage, error)
	SetStatisticsHook(hook llm.StatisticsHook)
	UpdateTools(tools []llm.FunctionDecl)
}

// Handler processes task descriptors. One Handler serves a consumer process;
// per-task state lives on the stack of Handle.
type Handler struct {
	cfg   *config.Config
	forge forge.Client
	store *contextstore.Manager // nil disables the context-storage strategies

	// Factories are swappable for tests.
	newExecutor func(ctx context.Context) (mcp.Executor, error)
	newClient   func(provider config.LLMProviderConfig, log llm.MessageLog, requestPath string) LLMClient
	pauseSource signals.Source

	logger *slog.Logger
}

// New wires a handler. store may be nil when context storage is disabled.
func New(cfg *config.Config, forgeClient forge.Client, store *contextstore.Manager) *Handler {
	registry := config.NewMCPServerRegistry(cfg.MCPServers)
	h := &Handler{
		cfg:   cfg,
		forge: forgeClient,
		store: store,
		newExecutor: func(ctx context.Context) (mcp.Executor, error) {
			return mcp.NewToolExecutor(ctx, registry, nil)
		},
		newClient: func(provider config.LLMProviderConfig, log llm.MessageLog, requestPath string) LLMClient {
			return llm.NewClient(provider, cfg.LLM.FunctionCalling, log, requestPath)
		},
		logger: slog.Default(),
	}
	if cfg.PauseResume != nil {
		h.pauseSource = signals.NewFileSignal(
			signals.PauseSignalPath(cfg.PauseResume.SignalFile, cfg.ContextStorage.BaseDir))
	}
	return h
}

// Handle runs one task to a terminal state. A nil return means the outcome
// is recorded somewhere durable (done, paused, stopped, or finalized as
// failed) and the delivery can be acked; a non-nil error means no outcome
// was recorded yet and the delivery should be redelivered.
func (h *Handler) Handle(ctx context.Context, d task.Descriptor) error {
	logger := h.logger.With("task", d.Key.String(), "uuid", d.UUID)
	logger.Info("Handling task", "resumed", d.IsResumed)

	ft := forge.NewTask(h.forge, h.cfg.Forge(), d.Key)

	if d.IsResumed {
		if err := ft.MarkResumed(ctx); err != nil {
			logger.Warn("Resume label swap failed", "error", err)
		}
	}

	// Optional pre-check: an issue may be convertible to a draft change
	// without running the agent at all.
	if h.cfg.IssueConversion != nil && h.cfg.IssueConversion.Enabled &&
		d.Key.Kind == task.KindIssue && !d.IsResumed {
		if converted, err := h.convertIssue(ctx, ft, d); err != nil {
			logger.Warn("Issue conversion failed, falling back to agent", "error", err)
		} else if converted {
			return nil
		}
	}

	if h.store == nil || h.cfg.ContextStorage == nil || !h.cfg.ContextStorage.Enabled {
		return h.handleLegacy(ctx, ft, d, logger)
	}
	return h.handleWithStore(ctx, ft, d, logger)
}

// convertIssue opens a draft change for the issue and finalizes immediately.
func (h *Handler) convertIssue(ctx context.Context, ft *forge.Task, d task.Descriptor) (bool, error) {
	details, err := ft.Refresh(ctx)
	if err != nil {
		return false, err
	}
	change, err := h.forge.CreateDraftChange(ctx, d.Key,
		"Draft: "+details.Title, fmt.Sprintf("Opened for %s.\n\n%s", d.Key, details.Body))
	if err != nil {
		return false, err
	}
	if _, err := ft.Comment(ctx, fmt.Sprintf("Opened draft change %s for this issue.", change)); err != nil {
		h.logger.Warn("Conversion comment failed", "error", err)
	}
	if err := ft.MarkDone(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// handleWithStore runs the Context-Storage or Planning strategy.
func (h *Handler) handleWithStore(ctx context.Context, ft *forge.Task, d task.Descriptor, logger *slog.Logger) error {
	provider := h.cfg.LLM.Active()
	if provider == nil {
		return fmt.Errorf("no active llm provider")
	}

	creator, err := ft.Creator(ctx)
	if err != nil {
		logger.Warn("Fetching creator failed", "error", err)
	}
	hostname, _ := os.Hostname()

	tc, state, err := h.store.Open(ctx, d, contextstore.Metadata{
		TaskKey:       d.Key.String(),
		UUID:          d.UUID,
		CreatedAt:     time.Now().UTC(),
		PID:           os.Getpid(),
		Hostname:      hostname,
		Provider:      h.cfg.LLM.Provider,
		Model:         provider.Model,
		ContextLength: provider.ContextLength,
		Creator:       creator,
	})
	if err != nil {
		return fmt.Errorf("opening context: %w", err)
	}

	client := h.newClient(*provider, tc.Messages, tc.RequestFilePath())
	client.SetStatisticsHook(func(u llm.Usage) {
		if err := tc.AddStatistics(ctx, 1, 0, u.TotalTokens, 0); err != nil {
			logger.Warn("Recording llm statistics failed", "error", err)
		}
	})

	executor, err := h.newExecutor(ctx)
	if err != nil {
		h.finalizeFailure(ctx, ft, tc, fmt.Sprintf("initializing execution environment: %s", err), logger)
		return nil
	}
	defer executor.Close()

	decls, err := executor.Declarations(ctx)
	if err != nil {
		logger.Warn("Listing tools failed", "error", err)
	}
	client.UpdateTools(decls)
	client.AppendSystem(systemPrompt(executor.Instructions(), h.cfg.LLM.FunctionCalling, decls))

	if !d.IsResumed {
		prompt, err := ft.BuildPrompt(ctx)
		if err != nil {
			h.finalizeFailure(ctx, ft, tc, fmt.Sprintf("building prompt: %s", err), logger)
			return nil
		}
		if err := client.AppendUser(prompt); err != nil {
			h.finalizeFailure(ctx, ft, tc, fmt.Sprintf("recording prompt: %s", err), logger)
			return nil
		}
	}

	botName := h.botName()
	stopper := signals.NewTaskStopManager(h.cfg.TaskStop, ft, botName)
	comments := signals.NewCommentDetectionManager(h.cfg.CommentDetection, ft, botName)
	if state != nil && state.Comments != nil {
		comments.LoadKnownIDs(state.Comments.KnownCommentIDs)
	} else if err := comments.Seed(ctx); err != nil {
		logger.Warn("Seeding comment detection failed", "error", err)
	}
	checkpoint := &signals.Checkpoint{
		Pauser:   signals.NewPauseResumeManager(h.cfg.PauseResume, h.pauseSource),
		Stopper:  stopper,
		Comments: comments,
	}

	compressor := compression.New(h.cfg.ContextStorage, client, provider.ContextLength)

	if h.cfg.Planning != nil && h.cfg.Planning.Enabled {
		return h.runPlanning(ctx, ft, tc, d, state, client, executor, checkpoint, compressor, comments, logger)
	}

	lp := &loop{
		client:     client,
		executor:   executor,
		checkpoint: checkpoint,
		tools:      tc.Tools,
		maxIters:   h.cfg.MaxLLMProcessNum,
		beforeLLM: func(ctx context.Context) error {
			return compressor.CompressIfNeeded(ctx, tc)
		},
		stats: func(toolCalls int) {
			if err := tc.AddStatistics(ctx, 0, toolCalls, 0, 0); err != nil {
				logger.Warn("Recording tool statistics failed", "error", err)
			}
		},
	}
	outcome, detail, err := lp.run(ctx)
	if err != nil {
		// The context row is archived as failed, a handled outcome. Retrying
		// the delivery would collide with the archived directory.
		h.finalizeFailure(ctx, ft, tc, err.Error(), logger)
		return nil
	}
	return h.finalize(ctx, ft, tc, d, outcome, detail, nil, comments, logger)
}

// runPlanning delegates the loop to the planning coordinator.
func (h *Handler) runPlanning(
	ctx context.Context,
	ft *forge.Task,
	tc *contextstore.TaskContext,
	d task.Descriptor,
	state *contextstore.TaskState,
	client LLMClient,
	executor mcp.Executor,
	checkpoint *signals.Checkpoint,
	compressor *compression.Compressor,
	comments *signals.CommentDetectionManager,
	logger *slog.Logger,
) error {
	logPath, err := tc.PlanningLogPath()
	if err != nil {
		h.finalizeFailure(ctx, ft, tc, err.Error(), logger)
		return nil
	}

	coord := planning.NewCoordinator(
		h.cfg.Planning,
		&compressingConversation{client: client, compress: func(ctx context.Context) error {
			return compressor.CompressIfNeeded(ctx, tc)
		}},
		executor, ft, planning.OpenLog(logPath), checkpoint, tc.Tools,
		h.cfg.MaxLLMProcessNum,
	)
	if state != nil {
		coord.Restore(state.Planning)
	}

	outcome, reason, err := coord.Run(ctx)
	if err != nil {
		h.finalizeFailure(ctx, ft, tc, err.Error(), logger)
		return nil
	}

	switch outcome {
	case planning.Completed:
		return h.finalize(ctx, ft, tc, d, loopDone, coord.FinalComment(), coord.State(), comments, logger)
	case planning.Paused:
		return h.finalize(ctx, ft, tc, d, loopPause, "", coord.State(), comments, logger)
	case planning.Stopped:
		return h.finalize(ctx, ft, tc, d, loopStop, "", coord.State(), comments, logger)
	default:
		h.finalizeFailure(ctx, ft, tc, reason, logger)
		return nil
	}
}

// handleLegacy runs the in-memory strategy: same loop, no persistence.
func (h *Handler) handleLegacy(ctx context.Context, ft *forge.Task, d task.Descriptor, logger *slog.Logger) error {
	provider := h.cfg.LLM.Active()
	if provider == nil {
		return fmt.Errorf("no active llm provider")
	}

	client := h.newClient(*provider, llm.NewMemoryLog(), "")

	executor, err := h.newExecutor(ctx)
	if err != nil {
		h.commentAndMarkFailed(ctx, ft, fmt.Sprintf("initializing execution environment: %s", err), logger)
		return nil
	}
	defer executor.Close()

	decls, err := executor.Declarations(ctx)
	if err != nil {
		logger.Warn("Listing tools failed", "error", err)
	}
	client.UpdateTools(decls)
	client.AppendSystem(systemPrompt(executor.Instructions(), h.cfg.LLM.FunctionCalling, decls))

	prompt, err := ft.BuildPrompt(ctx)
	if err != nil {
		h.commentAndMarkFailed(ctx, ft, fmt.Sprintf("building prompt: %s", err), logger)
		return nil
	}
	if err := client.AppendUser(prompt); err != nil {
		return err
	}

	botName := h.botName()
	comments := signals.NewCommentDetectionManager(h.cfg.CommentDetection, ft, botName)
	if err := comments.Seed(ctx); err != nil {
		logger.Warn("Seeding comment detection failed", "error", err)
	}
	checkpoint := &signals.Checkpoint{
		Pauser:   signals.NewPauseResumeManager(h.cfg.PauseResume, h.pauseSource),
		Stopper:  signals.NewTaskStopManager(h.cfg.TaskStop, ft, botName),
		Comments: comments,
	}

	lp := &loop{
		client:     client,
		executor:   executor,
		checkpoint: checkpoint,
		maxIters:   h.cfg.MaxLLMProcessNum,
	}
	outcome, detail, err := lp.run(ctx)
	if err != nil {
		h.commentAndMarkFailed(ctx, ft, err.Error(), logger)
		return nil
	}

	switch outcome {
	case loopDone:
		if detail == "" {
			detail = "Task completed."
		}
		if _, err := ft.Comment(ctx, detail); err != nil {
			logger.Warn("Completion comment failed", "error", err)
		}
		return ft.MarkDone(ctx)
	case loopStop:
		if _, err := ft.Comment(ctx, "Stopping: the agent was unassigned from this task."); err != nil {
			logger.Warn("Stop comment failed", "error", err)
		}
		return ft.MarkStopped(ctx)
	case loopPause:
		// Without a context store there is nothing to persist; pause
		// degrades to a clean stop of the loop with the paused label.
		if _, err := ft.Comment(ctx, "Paused by operator signal."); err != nil {
			logger.Warn("Pause comment failed", "error", err)
		}
		return ft.MarkPaused(ctx)
	default:
		h.commentAndMarkFailed(ctx, ft, detail, logger)
		return nil
	}
}

// finalize applies the terminal transition for store-backed strategies.
func (h *Handler) finalize(
	ctx context.Context,
	ft *forge.Task,
	tc *contextstore.TaskContext,
	d task.Descriptor,
	outcome loopOutcome,
	detail string,
	planState *contextstore.PlanningState,
	comments *signals.CommentDetectionManager,
	logger *slog.Logger,
) error {
	switch outcome {
	case loopDone:
		if detail == "" {
			detail = "Task completed."
		}
		if _, err := ft.Comment(ctx, detail); err != nil {
			logger.Warn("Completion comment failed", "error", err)
		}
		if err := ft.MarkDone(ctx); err != nil {
			logger.Warn("Done label swap failed", "error", err)
		}
		return tc.Complete(ctx)

	case loopPause:
		stateOut := contextstore.TaskState{
			TaskKey:  d.Key.String(),
			UUID:     d.UUID,
			User:     d.User,
			Planning: planState,
			Comments: &contextstore.CommentState{
				KnownCommentIDs: comments.KnownIDs(),
				LastFetch:       time.Now().UTC(),
			},
		}
		if err := tc.Pause(ctx, stateOut); err != nil {
			return fmt.Errorf("pausing task: %w", err)
		}
		if _, err := ft.Comment(ctx, "Paused by operator signal; progress is saved and the task will resume automatically."); err != nil {
			logger.Warn("Pause comment failed", "error", err)
		}
		if err := ft.MarkPaused(ctx); err != nil {
			logger.Warn("Pause label swap failed", "error", err)
		}
		logger.Info("Task paused", "context", tc.Dir)
		return nil

	case loopStop:
		if _, err := ft.Comment(ctx, "Stopping: the agent was unassigned from this task."); err != nil {
			logger.Warn("Stop comment failed", "error", err)
		}
		if err := ft.MarkStopped(ctx); err != nil {
			logger.Warn("Stop label update failed", "error", err)
		}
		if h.cfg.TaskStop != nil && h.cfg.TaskStop.CleanupContext {
			return tc.Discard(ctx)
		}
		return tc.Complete(ctx)

	default:
		h.finalizeFailure(ctx, ft, tc, detail, logger)
		return nil
	}
}

// finalizeFailure records the failure everywhere it is visible: tasks.db,
// the forge comment thread, and the processing label.
func (h *Handler) finalizeFailure(ctx context.Context, ft *forge.Task, tc *contextstore.TaskContext, reason string, logger *slog.Logger) {
	logger.Error("Task failed", "reason", reason)
	if err := tc.Fail(ctx, reason); err != nil {
		logger.Warn("Recording failure in context store failed", "error", err)
	}
	h.commentAndMarkFailed(ctx, ft, reason, logger)
}

func (h *Handler) commentAndMarkFailed(ctx context.Context, ft *forge.Task, reason string, logger *slog.Logger) {
	if _, err := ft.Comment(ctx, "The agent could not finish this task: "+reason); err != nil {
		logger.Warn("Failure comment failed", "error", err)
	}
	if err := ft.MarkFailed(ctx); err != nil {
		logger.Warn("Failure label update failed", "error", err)
	}
}

func (h *Handler) botName() string {
	if h.cfg.CommentDetection != nil && h.cfg.CommentDetection.BotUsername != "" {
		return h.cfg.CommentDetection.BotUsername
	}
	if f := h.cfg.Forge(); f != nil {
		return f.BotName
	}
	return ""
}

// compressingConversation threads the compressor checkpoint into the
// planning coordinator's LLM round trips.
type compressingConversation struct {
	client   LLMClient
	compress func(ctx context.Context) error
}

func (c *compressingConversation) AppendUser(text string) error { return c.client.AppendUser(text) }

func (c *compressingConversation) AppendToolResult(name, payload string) error {
	return c.client.AppendToolResult(name, payload)
}

func (c *compressingConversation) GetResponse(ctx context.Context) (*llm.Response, error) {
	if err := c.compress(ctx); err != nil {
		return nil, err
	}
	return c.client.GetResponse(ctx)
}
