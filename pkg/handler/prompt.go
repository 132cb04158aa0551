package handler

import (
	"fmt"
	"strings"

	"github.com/forgeworks/drover/pkg/llm"
)

// systemPrompt builds the agent's standing instructions. With native
// function calling the tool list travels in the request's functions field;
// without it the tools and the JSON calling convention are spelled out here.
func systemPrompt(serverInstructions string, functionCalling bool, decls []llm.FunctionDecl) string {
	var b strings.Builder
	b.WriteString(`You are an autonomous coding agent working on one issue or change request.
Work step by step: inspect the repository with your tools, make the change, verify it, and finish.

Response contract. Every response must be exactly one JSON object, one of:
1. A tool call: {"role": "assistant", "function_call": {"name": "server.tool", "arguments": { ... }}}
   The arguments value must be a JSON object, never a string.
2. Completion: {"done": true, "comment": "<summary of what was done, posted publicly>"}

Never emit prose outside the JSON object.`)

	if !functionCalling && len(decls) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, d := range decls {
			fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
		}
	}
	if serverInstructions != "" {
		b.WriteString("\n\n" + serverInstructions)
	}
	return b.String()
}
