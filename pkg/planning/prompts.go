package planning

import (
	"fmt"
	"strings"

	"github.com/forgeworks/drover/pkg/config"
)

// planningPrompt asks the model for a structured plan. The schema mirrors
// what llm.ParseAgentResponse accepts for KindPlan.
func planningPrompt(cfg *config.PlanningConfig) string {
	var b strings.Builder
	b.WriteString("Before acting, produce an execution plan for this task.\n\n")
	fmt.Fprintf(&b, "Decompose the work into at most %d subtasks (%s granularity, %s strategy).\n\n",
		cfg.MaxSubtasks, cfg.DecompositionLevel, cfg.Strategy)
	b.WriteString(`Respond with exactly one JSON object:
{
  "phase": "planning",
  "goal_understanding": {"objective": "...", "success_criteria": ["..."], "constraints": ["..."]},
  "subtasks": [{"id": "t1", "description": "...", "dependencies": [], "complexity": "low|medium|high"}],
  "execution_order": ["t1"],
  "actions": [{"task_id": "t1", "tool": "server.tool", "arguments": {}, "purpose": "...", "expected_outcome": "...", "fallback": "..."}]
}
If the task needs no work, respond {"done": true, "comment": "..."} instead.`)
	return b.String()
}

// reflectionPrompt asks the model to evaluate the latest action outcomes.
func reflectionPrompt(cfg *config.PlanningConfig) string {
	return fmt.Sprintf(`Evaluate the recent action results above (%s depth).
Respond with exactly one JSON object:
{"phase": "reflection", "action_evaluated": "...", "status": "success|failure|partial", "evaluation": "...", "plan_revision_needed": true|false}
If the overall task is finished, respond {"done": true, "comment": "..."} instead.`, cfg.Reflection.Depth)
}

// revisionPrompt asks the model for a revised plan after a failed reflection.
func revisionPrompt(cfg *config.PlanningConfig) string {
	return fmt.Sprintf(`Your plan needs revision. Produce a corrected plan covering the remaining work, at most %d subtasks.
Respond with exactly one JSON object:
{"phase": "revision", "reason": "...", "changes": ["..."], "revised_plan": { ...same schema as the planning phase... }}
If the task is already finished, respond {"done": true, "comment": "..."} instead.`, cfg.MaxSubtasks)
}
