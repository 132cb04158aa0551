package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/forge"
	"github.com/forgeworks/drover/pkg/llm"
	"github.com/forgeworks/drover/pkg/mcp"
	"github.com/forgeworks/drover/pkg/signals"
)

// Coordinator phases. Persisted verbatim into task_state.json on pause.
const (
	PhasePlanning   = "planning"
	PhaseExecution  = "execution"
	PhaseReflection = "reflection"
	PhaseRevision   = "revision"
)

// Outcome is how a coordinator run ended.
type Outcome int

const (
	Completed Outcome = iota
	Paused
	Stopped
	Failed
)

// Conversation is the slice of the LLM client the coordinator drives.
// *llm.Client implements it.
type Conversation interface {
	AppendUser(text string) error
	AppendToolResult(name, payload string) error
	GetResponse(ctx context.Context) (*llm.Response, error)
}

const maxConsecutiveParseFailures = 5

// Coordinator runs the nested planning state machine for one task.
type Coordinator struct {
	cfg        *config.PlanningConfig
	convo      Conversation
	executor   mcp.Executor
	task       *forge.Task
	log        *Log
	checkpoint *signals.Checkpoint
	tools      *contextstore.ToolStore // nil outside the context-storage strategy

	maxIterations int
	logger        *slog.Logger

	phase           string
	plan            *llm.Plan
	actionCounter   int
	revisionCounter int
	checklistID     string
	sinceReflection int
	parseFailures   int
	subtaskDone     map[string]bool
	finalComment    string
}

// NewCoordinator wires a coordinator. tools may be nil.
func NewCoordinator(
	cfg *config.PlanningConfig,
	convo Conversation,
	executor mcp.Executor,
	t *forge.Task,
	log *Log,
	checkpoint *signals.Checkpoint,
	tools *contextstore.ToolStore,
	maxIterations int,
) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		convo:         convo,
		executor:      executor,
		task:          t,
		log:           log,
		checkpoint:    checkpoint,
		tools:         tools,
		maxIterations: maxIterations,
		logger:        slog.Default(),
		phase:         PhasePlanning,
		subtaskDone:   make(map[string]bool),
	}
}

// Restore applies counters recovered from a paused task's state.
func (c *Coordinator) Restore(ps *contextstore.PlanningState) {
	if ps == nil {
		return
	}
	if ps.CurrentPhase != "" {
		c.phase = ps.CurrentPhase
	}
	c.actionCounter = ps.ActionCounter
	c.revisionCounter = ps.RevisionCounter
	c.checklistID = ps.ChecklistCommentID
}

// State snapshots the counters for persistence into task_state.json.
func (c *Coordinator) State() *contextstore.PlanningState {
	return &contextstore.PlanningState{
		CurrentPhase:       c.phase,
		ActionCounter:      c.actionCounter,
		RevisionCounter:    c.revisionCounter,
		ChecklistCommentID: c.checklistID,
	}
}

// FinalComment is the completion comment the LLM emitted with {done:true},
// if any.
func (c *Coordinator) FinalComment() string { return c.finalComment }

// Run drives the state machine until a terminal outcome. The reason string
// accompanies Failed.
func (c *Coordinator) Run(ctx context.Context) (Outcome, string, error) {
	// Crash/pause recovery: a recorded plan short-circuits the Planning
	// phase and resumes execution at the restored action counter.
	if c.plan == nil {
		recovered, err := c.log.LatestPlan()
		if err != nil {
			return Failed, "", err
		}
		if recovered != nil {
			c.plan = recovered
			if c.phase == PhasePlanning {
				c.phase = PhaseExecution
			}
		} else {
			c.phase = PhasePlanning
		}
	}

	for i := 0; i < c.maxIterations; i++ {
		// Signals are observed at every transition boundary.
		verdict, comments := c.checkpoint.Evaluate(ctx)
		switch verdict {
		case signals.Stop:
			return Stopped, "", nil
		case signals.Pause:
			return Paused, "", nil
		}
		if len(comments) > 0 {
			if err := c.convo.AppendUser(signals.FormatComments(comments)); err != nil {
				return Failed, "", err
			}
		}

		var (
			outcome Outcome
			reason  string
			done    bool
			err     error
		)
		switch c.phase {
		case PhasePlanning:
			outcome, reason, done, err = c.stepPlanning(ctx)
		case PhaseExecution:
			outcome, reason, done, err = c.stepExecution(ctx)
		case PhaseReflection:
			outcome, reason, done, err = c.stepReflection(ctx)
		case PhaseRevision:
			outcome, reason, done, err = c.stepRevision(ctx)
		default:
			return Failed, "", fmt.Errorf("unknown planning phase %q", c.phase)
		}
		if err != nil {
			return Failed, "", err
		}
		if done {
			return outcome, reason, nil
		}
	}
	return Failed, fmt.Sprintf("planning exceeded %d iterations", c.maxIterations), nil
}

func (c *Coordinator) stepPlanning(ctx context.Context) (Outcome, string, bool, error) {
	if err := c.convo.AppendUser(planningPrompt(c.cfg)); err != nil {
		return 0, "", false, err
	}
	parsed, retry, err := c.requestParsed(ctx)
	if err != nil {
		return Failed, err.Error(), true, nil
	}
	if retry {
		return 0, "", false, nil
	}

	switch parsed.Kind {
	case llm.KindDone:
		c.finalComment = parsed.Comment
		return Completed, "", true, nil
	case llm.KindPlan:
		if n := len(parsed.Plan.Subtasks); n > c.cfg.MaxSubtasks {
			if bail := c.chargeParseFailure(fmt.Sprintf(
				"Your plan has %d subtasks; the limit is %d. Produce a narrower plan.", n, c.cfg.MaxSubtasks)); bail {
				return Failed, "planning could not produce a bounded plan", true, nil
			}
			return 0, "", false, nil
		}
		c.plan = parsed.Plan
		c.parseFailures = 0
		if err := c.log.Append(Event{Type: EventPlan, Plan: parsed.Plan}); err != nil {
			return 0, "", false, err
		}
		if id, err := c.task.Comment(ctx, RenderChecklist(c.plan, c.subtaskDone)); err != nil {
			c.logger.Warn("Posting plan checklist failed", "error", err)
		} else {
			c.checklistID = id
		}
		c.phase = PhaseExecution
		return 0, "", false, nil
	default:
		if bail := c.chargeParseFailure("Respond with the planning JSON schema or {\"done\":true}."); bail {
			return Failed, "too many consecutive unparsable planning responses", true, nil
		}
		return 0, "", false, nil
	}
}

func (c *Coordinator) stepExecution(ctx context.Context) (Outcome, string, bool, error) {
	if c.actionCounter >= len(c.plan.Actions) {
		return Completed, "", true, nil
	}
	action := c.plan.Actions[c.actionCounter]

	result, err := c.executor.Execute(ctx, action.Tool, action.Arguments)
	if err != nil {
		return 0, "", false, fmt.Errorf("executing %s: %w", action.Tool, err)
	}
	c.recordAction(action, result)
	if err := c.convo.AppendToolResult(action.Tool, result.Content); err != nil {
		return 0, "", false, err
	}
	c.actionCounter++
	c.sinceReflection++

	if !result.IsError {
		c.subtaskDone[action.TaskID] = true
	}

	switch {
	case result.IsError && c.cfg.Reflection.Enabled && c.cfg.Reflection.TriggerOnError:
		c.phase = PhaseReflection
	case c.cfg.Reflection.Enabled && c.cfg.Reflection.TriggerInterval > 0 &&
		c.sinceReflection >= c.cfg.Reflection.TriggerInterval:
		c.phase = PhaseReflection
	default:
		c.updateChecklist(ctx)
	}
	return 0, "", false, nil
}

func (c *Coordinator) stepReflection(ctx context.Context) (Outcome, string, bool, error) {
	if err := c.convo.AppendUser(reflectionPrompt(c.cfg)); err != nil {
		return 0, "", false, err
	}
	parsed, retry, err := c.requestParsed(ctx)
	if err != nil {
		return Failed, err.Error(), true, nil
	}
	if retry {
		return 0, "", false, nil
	}

	switch parsed.Kind {
	case llm.KindDone:
		c.finalComment = parsed.Comment
		return Completed, "", true, nil
	case llm.KindReflection:
		c.parseFailures = 0
		c.sinceReflection = 0
		if err := c.log.Append(Event{Type: EventReflection, Reflection: parsed.Reflection}); err != nil {
			return 0, "", false, err
		}
		if parsed.Reflection.PlanRevisionNeeded {
			c.phase = PhaseRevision
		} else {
			c.phase = PhaseExecution
			c.updateChecklist(ctx)
		}
		return 0, "", false, nil
	default:
		if bail := c.chargeParseFailure("Respond with the reflection JSON schema."); bail {
			return Failed, "too many consecutive unparsable reflection responses", true, nil
		}
		return 0, "", false, nil
	}
}

func (c *Coordinator) stepRevision(ctx context.Context) (Outcome, string, bool, error) {
	if c.revisionCounter >= c.cfg.Revision.MaxRevisions {
		return Failed, fmt.Sprintf("revision cap reached (%d)", c.cfg.Revision.MaxRevisions), true, nil
	}

	if err := c.convo.AppendUser(revisionPrompt(c.cfg)); err != nil {
		return 0, "", false, err
	}
	parsed, retry, err := c.requestParsed(ctx)
	if err != nil {
		return Failed, err.Error(), true, nil
	}
	if retry {
		return 0, "", false, nil
	}

	switch parsed.Kind {
	case llm.KindDone:
		c.finalComment = parsed.Comment
		return Completed, "", true, nil
	case llm.KindRevision:
		c.parseFailures = 0
		c.revisionCounter++
		if err := c.log.Append(Event{Type: EventRevision, Revision: parsed.Revision}); err != nil {
			return 0, "", false, err
		}
		if parsed.Revision.RevisedPlan != nil {
			// The revised plan replaces the old one wholesale; execution
			// restarts at its first action. Ticked subtasks carry over by ID.
			c.plan = parsed.Revision.RevisedPlan
			c.actionCounter = 0
		}
		c.phase = PhaseExecution
		c.updateChecklist(ctx)
		return 0, "", false, nil
	default:
		if bail := c.chargeParseFailure("Respond with the revision JSON schema."); bail {
			return Failed, "too many consecutive unparsable revision responses", true, nil
		}
		return 0, "", false, nil
	}
}

// requestParsed performs one LLM round trip and classifies the response.
// retry=true means the response was unparsable but the budget allows another
// attempt (a corrective message has been appended).
func (c *Coordinator) requestParsed(ctx context.Context) (parsed *llm.AgentResponse, retry bool, err error) {
	resp, err := c.convo.GetResponse(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("planning llm call: %w", err)
	}

	// Native function calls inside planning phases are executed directly as
	// if they were plan actions; the model is allowed to probe.
	if len(resp.FunctionCalls) > 0 {
		fc := resp.FunctionCalls[0]
		result, execErr := c.executor.Execute(ctx, fc.Name, fc.Arguments)
		if execErr != nil {
			return nil, false, execErr
		}
		if appendErr := c.convo.AppendToolResult(fc.Name, result.Content); appendErr != nil {
			return nil, false, appendErr
		}
		return nil, true, nil
	}

	parsed, parseErr := llm.ParseAgentResponse(resp.Text)
	if parseErr != nil {
		if errors.Is(parseErr, llm.ErrUnparsableResponse) {
			if bail := c.chargeParseFailure("Your previous response was not valid JSON. " +
				"Respond with exactly one JSON object."); bail {
				return nil, false, fmt.Errorf("too many consecutive unparsable responses")
			}
			return nil, true, nil
		}
		return nil, false, parseErr
	}
	return parsed, false, nil
}

// chargeParseFailure counts one parse failure, appends guidance, and reports
// whether the budget is exhausted.
func (c *Coordinator) chargeParseFailure(guidance string) bool {
	c.parseFailures++
	if c.parseFailures >= maxConsecutiveParseFailures {
		return true
	}
	if err := c.convo.AppendUser(guidance); err != nil {
		c.logger.Warn("Appending parse guidance failed", "error", err)
	}
	return false
}

func (c *Coordinator) recordAction(action llm.PlannedAction, result mcp.Result) {
	status := "success"
	if result.IsError {
		status = "failure"
	}
	if err := c.log.Append(Event{Type: EventAction, Action: &ActionResult{
		Index:  c.actionCounter,
		Tool:   action.Tool,
		Status: status,
		Output: result.Content,
	}}); err != nil {
		c.logger.Warn("Recording action result failed", "error", err)
	}
	if c.tools != nil {
		toolStatus := contextstore.ToolStatusOK
		errMsg := ""
		if result.IsError {
			toolStatus = contextstore.ToolStatusError
			errMsg = result.Content
		}
		if err := c.tools.Append(contextstore.ToolRecord{
			Tool:   action.Tool,
			Args:   marshalArgs(action.Arguments),
			Status: toolStatus,
			Result: result.Content,
			Error:  errMsg,
		}); err != nil {
			c.logger.Warn("Recording tool call failed", "error", err)
		}
	}
}

func (c *Coordinator) updateChecklist(ctx context.Context) {
	if c.checklistID == "" || c.plan == nil {
		return
	}
	if err := c.task.UpdateComment(ctx, c.checklistID, RenderChecklist(c.plan, c.subtaskDone)); err != nil {
		c.logger.Warn("Updating plan checklist failed", "error", err)
	}
}

func marshalArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return raw
}
