package planning

import (
	"fmt"
	"strings"

	"github.com/forgeworks/drover/pkg/llm"
)

// RenderChecklist produces the markdown progress comment posted on the work
// item: the plan objective followed by one checkbox per subtask. A subtask is
// ticked once every action targeting it has succeeded.
func RenderChecklist(plan *llm.Plan, succeeded map[string]bool) string {
	var b strings.Builder
	b.WriteString("## Execution plan\n\n")
	if obj := plan.GoalUnderstanding.Objective; obj != "" {
		b.WriteString(obj + "\n\n")
	}
	for _, id := range plan.ExecutionOrder {
		sub := findSubtask(plan, id)
		if sub == nil {
			continue
		}
		mark := " "
		if succeeded[id] {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, sub.Description)
	}
	return b.String()
}

func findSubtask(plan *llm.Plan, id string) *llm.Subtask {
	for i := range plan.Subtasks {
		if plan.Subtasks[i].ID == id {
			return &plan.Subtasks[i]
		}
	}
	return nil
}
