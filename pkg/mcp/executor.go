package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/llm"
)

// Result is the outcome of one tool execution. Execution failures are
// reported through IsError + Content rather than a Go error, so the handler
// can feed them back to the LLM as tool results (MCP convention).
type Result struct {
	Content string
	IsError bool
}

// Executor dispatches qualified "server.tool" calls. ToolExecutor is the real
// implementation; StubExecutor backs tests.
type Executor interface {
	Declarations(ctx context.Context) ([]llm.FunctionDecl, error)
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
	Instructions() string
	Close() error
}

// Compile-time check.
var _ Executor = (*ToolExecutor)(nil)

// ToolExecutor executes tools on MCP servers through a Client. Created per
// task and closed on finalize.
type ToolExecutor struct {
	client    *Client
	registry  *config.MCPServerRegistry
	serverIDs []string
}

// NewToolExecutor creates and connects an executor for the given servers.
// Empty serverIDs means every registered server.
func NewToolExecutor(ctx context.Context, registry *config.MCPServerRegistry, serverIDs []string) (*ToolExecutor, error) {
	if len(serverIDs) == 0 {
		serverIDs = registry.IDs()
	}
	client := NewClient(registry)
	if err := client.Initialize(ctx, serverIDs); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &ToolExecutor{client: client, registry: registry, serverIDs: serverIDs}, nil
}

// Declarations lists all available tools across servers, names qualified as
// "server.tool". Servers that fail to list are skipped; partial tools are
// better than none.
func (e *ToolExecutor) Declarations(ctx context.Context) ([]llm.FunctionDecl, error) {
	var decls []llm.FunctionDecl
	for _, serverID := range e.serverIDs {
		tools, err := e.client.ListTools(ctx, serverID)
		if err != nil {
			slog.Warn("Failed to list tools from MCP server",
				"server", serverID, "error", err)
			continue
		}
		for _, tool := range tools {
			decls = append(decls, llm.FunctionDecl{
				Name:        QualifyToolName(serverID, tool.Name),
				Description: tool.Description,
				Parameters:  marshalSchema(tool.InputSchema),
			})
		}
	}
	return decls, nil
}

// Execute runs one qualified tool call. Routing and execution failures come
// back as Result{IsError:true}; a Go error means the call never reached a
// server and nothing useful can be fed back to the LLM.
func (e *ToolExecutor) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	serverID, toolName, err := SplitToolName(name)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if !slices.Contains(e.serverIDs, serverID) {
		return Result{
			Content: fmt.Sprintf("MCP server %q is not available. Available servers: %s",
				serverID, strings.Join(e.serverIDs, ", ")),
			IsError: true,
		}, nil
	}

	result, err := e.client.CallTool(ctx, serverID, toolName, args)
	if err != nil {
		return Result{
			Content: fmt.Sprintf("MCP tool execution failed: %s", err),
			IsError: true,
		}, nil
	}

	return Result{Content: extractTextContent(result), IsError: result.IsError}, nil
}

// Instructions concatenates the configured per-server instructions for
// inclusion in the system prompt.
func (e *ToolExecutor) Instructions() string {
	var parts []string
	for _, serverID := range e.serverIDs {
		cfg, err := e.registry.Get(serverID)
		if err != nil || cfg.Instructions == "" {
			continue
		}
		parts = append(parts, cfg.Instructions)
	}
	return strings.Join(parts, "\n\n")
}

// Close releases MCP transports and subprocesses.
func (e *ToolExecutor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// QualifyToolName joins a server ID and tool name into "server.tool".
func QualifyToolName(serverID, toolName string) string {
	return serverID + "." + toolName
}

// SplitToolName splits "server.tool" at the first dot. Tool names may
// themselves contain dots; server IDs may not.
func SplitToolName(name string) (serverID, toolName string, err error) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("invalid tool name %q, expected server.tool", name)
	}
	return name[:i], name[i+1:], nil
}

// extractTextContent concatenates the TextContent items of a result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema converts a tool's input schema into the map form the
// chat-completions functions field expects.
func marshalSchema(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
