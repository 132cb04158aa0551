package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/drover/pkg/contextstore"
	"github.com/forgeworks/drover/pkg/llm"
	"github.com/forgeworks/drover/pkg/mcp"
	"github.com/forgeworks/drover/pkg/signals"
)

// Error budgets inside the loop.
const (
	maxConsecutiveParseFailures = 5
	maxConsecutiveToolFailures  = 3
)

type loopOutcome int

const (
	loopDone loopOutcome = iota
	loopPause
	loopStop
	loopFailed
)

// loop is the shared LLM/tool iteration used by the Legacy and
// Context-Storage strategies.
type loop struct {
	client     LLMClient
	executor   mcp.Executor
	checkpoint *signals.Checkpoint
	tools      *contextstore.ToolStore // nil in legacy
	maxIters   int

	// beforeLLM runs ahead of each LLM call (compression checkpoint).
	beforeLLM func(ctx context.Context) error

	// stats reports executed tool calls. nil in legacy.
	stats func(toolCalls int)
}

// run iterates until a terminal outcome. detail is the completion comment
// for loopDone and the failure reason for loopFailed. A returned error means
// infrastructure failure (LLM transport, context store), not agent failure.
func (l *loop) run(ctx context.Context) (outcome loopOutcome, detail string, err error) {
	parseFailures := 0
	toolFailures := make(map[string]int)

	for i := 0; i < l.maxIters; i++ {
		verdict, comments := l.checkpoint.Evaluate(ctx)
		switch verdict {
		case signals.Stop:
			return loopStop, "", nil
		case signals.Pause:
			return loopPause, "", nil
		}
		if len(comments) > 0 {
			if err := l.client.AppendUser(signals.FormatComments(comments)); err != nil {
				return loopFailed, "", err
			}
		}

		if l.beforeLLM != nil {
			if err := l.beforeLLM(ctx); err != nil {
				return loopFailed, "", err
			}
		}

		resp, err := l.client.GetResponse(ctx)
		if err != nil {
			return loopFailed, "", fmt.Errorf("llm call: %w", err)
		}

		// Native function calling bypasses the JSON response contract.
		if len(resp.FunctionCalls) > 0 {
			parseFailures = 0
			bail, reason, err := l.dispatch(ctx, resp.FunctionCalls[0], toolFailures)
			if err != nil {
				return loopFailed, "", err
			}
			if bail {
				return loopFailed, reason, nil
			}
			continue
		}

		parsed, parseErr := llm.ParseAgentResponse(resp.Text)
		if parseErr != nil && errors.Is(parseErr, llm.ErrUnparsableResponse) {
			parseFailures++
			if parseFailures >= maxConsecutiveParseFailures {
				return loopFailed, fmt.Sprintf(
					"%d consecutive unparsable LLM responses", parseFailures), nil
			}
			if err := l.client.AppendUser("Your previous response was not valid JSON. " +
				"Respond with exactly one JSON object: a function_call or {\"done\":true,\"comment\":\"...\"}."); err != nil {
				return loopFailed, "", err
			}
			continue
		}
		if parseErr != nil {
			return loopFailed, "", parseErr
		}
		parseFailures = 0

		switch parsed.Kind {
		case llm.KindFunctionCall:
			bail, reason, err := l.dispatch(ctx, *parsed.FunctionCall, toolFailures)
			if err != nil {
				return loopFailed, "", err
			}
			if bail {
				return loopFailed, reason, nil
			}
		case llm.KindDone:
			return loopDone, parsed.Comment, nil
		default:
			// Planning shapes outside the planning strategy count against
			// the parse budget like any other contract violation.
			parseFailures++
			if parseFailures >= maxConsecutiveParseFailures {
				return loopFailed, fmt.Sprintf(
					"%d consecutive off-contract LLM responses", parseFailures), nil
			}
			if err := l.client.AppendUser("Respond with a function_call or {\"done\":true,\"comment\":\"...\"}."); err != nil {
				return loopFailed, "", err
			}
		}
	}
	return loopFailed, fmt.Sprintf("iteration cap reached (%d)", l.maxIters), nil
}

// dispatch executes one tool call and feeds the result back. Tool errors go
// to the LLM as tool results; bail is set when the same tool has failed
// maxConsecutiveToolFailures times in a row.
func (l *loop) dispatch(ctx context.Context, fc llm.FunctionCall, toolFailures map[string]int) (bail bool, reason string, err error) {
	started := time.Now()
	result, err := l.executor.Execute(ctx, fc.Name, fc.Arguments)
	if err != nil {
		return false, "", fmt.Errorf("executing %s: %w", fc.Name, err)
	}

	l.record(fc, result, time.Since(started))
	if l.stats != nil {
		l.stats(1)
	}

	if err := l.client.AppendToolResult(fc.Name, result.Content); err != nil {
		return false, "", err
	}

	if result.IsError {
		toolFailures[fc.Name]++
		if toolFailures[fc.Name] >= maxConsecutiveToolFailures {
			return true, fmt.Sprintf("tool %s failed %d times in a row: %s",
				fc.Name, toolFailures[fc.Name], result.Content), nil
		}
	} else {
		toolFailures[fc.Name] = 0
	}
	return false, "", nil
}

func (l *loop) record(fc llm.FunctionCall, result mcp.Result, elapsed time.Duration) {
	if l.tools == nil {
		return
	}
	status := contextstore.ToolStatusOK
	errMsg := ""
	if result.IsError {
		status = contextstore.ToolStatusError
		errMsg = result.Content
	}
	var args json.RawMessage
	if len(fc.Arguments) > 0 {
		if raw, err := json.Marshal(fc.Arguments); err == nil {
			args = raw
		}
	}
	_ = l.tools.Append(contextstore.ToolRecord{
		Tool:       fc.Name,
		Args:       args,
		Result:     result.Content,
		Error:      errMsg,
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
	})
}
