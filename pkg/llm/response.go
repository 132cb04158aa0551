package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// AgentResponseKind tags the parsed shape of an assistant message.
type AgentResponseKind string

const (
	KindFunctionCall AgentResponseKind = "function_call"
	KindPlan         AgentResponseKind = "plan"
	KindReflection   AgentResponseKind = "reflection"
	KindRevision     AgentResponseKind = "revision"
	KindDone         AgentResponseKind = "done"
	KindUnknown      AgentResponseKind = "unknown"
)

// ErrUnparsableResponse marks text that could not be parsed into any known
// shape even after repair. The handler charges it against the consecutive
// parse-error budget.
var ErrUnparsableResponse = errors.New("llm: unparsable response")

// Plan is the planning-phase output.
type Plan struct {
	GoalUnderstanding GoalUnderstanding `json:"goal_understanding"`
	Subtasks          []Subtask         `json:"subtasks"`
	ExecutionOrder    []string          `json:"execution_order"`
	Actions           []PlannedAction   `json:"actions"`
}

type GoalUnderstanding struct {
	Objective       string   `json:"objective"`
	SuccessCriteria []string `json:"success_criteria"`
	Constraints     []string `json:"constraints"`
}

type Subtask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Complexity   string   `json:"complexity"`
}

type PlannedAction struct {
	TaskID          string         `json:"task_id"`
	Tool            string         `json:"tool"`
	Purpose         string         `json:"purpose"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome"`
	Fallback        string         `json:"fallback,omitempty"`
}

// Reflection is the reflection-phase output.
type Reflection struct {
	ActionEvaluated    string `json:"action_evaluated"`
	Status             string `json:"status"`
	Evaluation         string `json:"evaluation"`
	PlanRevisionNeeded bool   `json:"plan_revision_needed"`
}

// Revision is the revision-phase output.
type Revision struct {
	Reason      string   `json:"reason"`
	Changes     []string `json:"changes"`
	RevisedPlan *Plan    `json:"revised_plan"`
}

// AgentResponse is the tagged result of parsing one assistant message.
// Exactly the fields implied by Kind are set.
type AgentResponse struct {
	Kind AgentResponseKind

	FunctionCall *FunctionCall
	Plan         *Plan
	Reflection   *Reflection
	Revision     *Revision

	// Done fields.
	Comment string

	// Raw is the original text, kept for logging and for the unknown case.
	Raw string
}

// ParseAgentResponse classifies an assistant message into one of the agreed
// JSON shapes. Malformed JSON gets one repair attempt before the text is
// declared unparsable.
func ParseAgentResponse(text string) (*AgentResponse, error) {
	body, err := decodeObject(text)
	if err != nil {
		return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
	}

	resp := &AgentResponse{Raw: text}

	if fc, ok := body["function_call"].(map[string]any); ok {
		name, _ := fc["name"].(string)
		if name == "" {
			return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: function_call without name", ErrUnparsableResponse)
		}
		args, err := coerceArguments(fc["arguments"])
		if err != nil {
			return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
		}
		resp.Kind = KindFunctionCall
		resp.FunctionCall = &FunctionCall{Name: name, Arguments: args}
		return resp, nil
	}

	if done, ok := body["done"].(bool); ok && done {
		resp.Kind = KindDone
		resp.Comment, _ = body["comment"].(string)
		return resp, nil
	}

	switch phase, _ := body["phase"].(string); phase {
	case "planning", "plan":
		var p Plan
		if err := reDecode(body, &p); err != nil {
			return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
		}
		resp.Kind = KindPlan
		resp.Plan = &p
		return resp, nil
	case "reflection":
		var r Reflection
		if err := reDecode(body, &r); err != nil {
			return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
		}
		resp.Kind = KindReflection
		resp.Reflection = &r
		return resp, nil
	case "revision":
		var r Revision
		if err := reDecode(body, &r); err != nil {
			return &AgentResponse{Kind: KindUnknown, Raw: text}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
		}
		resp.Kind = KindRevision
		resp.Revision = &r
		return resp, nil
	}

	// A bare plan without a phase tag still parses if it carries the
	// structural fields.
	if _, hasSubtasks := body["subtasks"]; hasSubtasks {
		var p Plan
		if err := reDecode(body, &p); err == nil && len(p.Subtasks) > 0 {
			resp.Kind = KindPlan
			resp.Plan = &p
			return resp, nil
		}
	}

	resp.Kind = KindUnknown
	return resp, fmt.Errorf("%w: no recognized shape", ErrUnparsableResponse)
}

// decodeObject extracts the first JSON object from text, repairing it when
// the raw form does not parse. Models routinely wrap JSON in code fences or
// prose, so the extraction is tolerant.
func decodeObject(text string) (map[string]any, error) {
	candidate := extractJSON(text)
	if candidate == "" {
		return nil, errors.New("no JSON object found")
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(candidate), &body); err == nil {
		return body, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, fmt.Errorf("repair failed: %v", err)
	}
	if err := json.Unmarshal([]byte(repaired), &body); err != nil {
		return nil, fmt.Errorf("still invalid after repair: %v", err)
	}
	return body, nil
}

// extractJSON returns the outermost {...} span of text, or "".
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// coerceArguments accepts the object form required by the prompt contract
// and tolerates the string-encoded form some providers emit anyway.
func coerceArguments(v any) (map[string]any, error) {
	switch args := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return args, nil
	case string:
		return parseArguments(args)
	default:
		return nil, fmt.Errorf("arguments has unexpected type %T", v)
	}
}

// parseArguments decodes a string-encoded arguments object, repairing
// malformed JSON first.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed arguments: %v", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("malformed arguments after repair: %v", err)
	}
	return args, nil
}

func reDecode(body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
