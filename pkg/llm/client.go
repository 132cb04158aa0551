package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
)

// FunctionDecl is one tool declaration offered to the model.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a native tool invocation returned by the provider.
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatisticsHook observes token usage after each call.
type StatisticsHook func(usage Usage)

// Client talks to an OpenAI-compatible chat-completions endpoint. The only
// persistent state is the MessageLog; the request body is staged to
// request.json before each call and deleted after, so a crash leaves an
// inspectable artifact but no divergent memory.
type Client struct {
	httpClient *http.Client
	provider   config.LLMProviderConfig

	log             MessageLog
	requestPath     string // "" disables staging (legacy strategy, one-shots)
	functionCalling bool

	systemPrompt string
	tools        []FunctionDecl
	statsHook    StatisticsHook
}

// NewClient binds a client to a message log. requestPath names the staging
// file for request bodies; empty disables staging.
func NewClient(provider config.LLMProviderConfig, functionCalling bool, log MessageLog, requestPath string) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 5 * time.Minute},
		provider:        provider,
		log:             log,
		requestPath:     requestPath,
		functionCalling: functionCalling,
	}
}

// SetStatisticsHook registers the per-call usage observer.
func (c *Client) SetStatisticsHook(hook StatisticsHook) { c.statsHook = hook }

// UpdateTools replaces the tool declarations offered on subsequent calls.
func (c *Client) UpdateTools(tools []FunctionDecl) { c.tools = tools }

// AppendSystem sets the system prompt. It is not written to the log: the
// prompt is re-prepended to every request, so the log stays a pure record
// of the exchange and survives compression rewrites untouched.
func (c *Client) AppendSystem(prompt string) { c.systemPrompt = prompt }

// AppendUser appends a user message to the log.
func (c *Client) AppendUser(text string) error {
	_, err := c.log.Append(contextstore.RoleUser, text, "")
	return err
}

// AppendToolResult appends a tool-result message to the log.
func (c *Client) AppendToolResult(name, payload string) error {
	_, err := c.log.Append(contextstore.RoleTool, payload, name)
	return err
}

// Response is the outcome of one chat call.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	Usage         Usage
}

// wire types for the OpenAI-compatible contract.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireRequest struct {
	Model        string         `json:"model"`
	Messages     []wireMessage  `json:"messages"`
	Functions    []FunctionDecl `json:"functions,omitempty"`
	FunctionCall string         `json:"function_call,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content      string `json:"content"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GetResponse rebuilds the request from the log, stages it, posts it, and
// appends the assistant turn back to the log.
func (c *Client) GetResponse(ctx context.Context) (*Response, error) {
	msgs, err := c.log.Messages()
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}

	req := wireRequest{
		Model:     c.provider.Model,
		Messages:  c.buildWireMessages(msgs),
		MaxTokens: c.provider.MaxToken,
	}
	if c.functionCalling && len(c.tools) > 0 {
		req.Functions = c.tools
		req.FunctionCall = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	if c.requestPath != "" {
		if err := os.WriteFile(c.requestPath, body, 0o644); err != nil {
			return nil, fmt.Errorf("staging request: %w", err)
		}
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	// Record the assistant turn. Native calls are logged as assistant
	// content in the same JSON function_call shape text-mode responses use,
	// so a replayed conversation reads identically regardless of calling
	// mode.
	content := resp.Text
	if len(resp.FunctionCalls) > 0 && content == "" {
		encoded, err := json.Marshal(map[string]any{
			"role": "assistant",
			"function_call": map[string]any{
				"name":      resp.FunctionCalls[0].Name,
				"arguments": resp.FunctionCalls[0].Arguments,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encoding function call: %w", err)
		}
		content = string(encoded)
	}
	if _, err := c.log.Append(contextstore.RoleAssistant, content, ""); err != nil {
		return nil, fmt.Errorf("recording assistant message: %w", err)
	}

	if c.statsHook != nil {
		c.statsHook(resp.Usage)
	}
	if c.requestPath != "" {
		_ = os.Remove(c.requestPath)
	}
	return resp, nil
}

// Complete runs a one-shot completion outside the task conversation.
// Used by the context compressor.
func (c *Client) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	req := wireRequest{
		Model:     c.provider.Model,
		Messages:  []wireMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.provider.MaxToken,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("encoding request: %w", err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return "", Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, error) {
	url := strings.TrimRight(c.provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.provider.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling llm provider: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading llm response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm provider returned %d: %s", httpResp.StatusCode, truncate(string(data), 500))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parsing llm response: %w", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("llm provider error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm response has no choices")
	}

	choice := wire.Choices[0].Message
	resp := &Response{Text: choice.Content, Usage: wire.Usage}
	if choice.FunctionCall != nil {
		args, err := parseArguments(choice.FunctionCall.Arguments)
		if err != nil {
			return nil, fmt.Errorf("parsing function-call arguments: %w", err)
		}
		resp.FunctionCalls = append(resp.FunctionCalls, FunctionCall{
			Name:      choice.FunctionCall.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

// buildWireMessages maps log records to provider messages. The system
// prompt goes first; summary records become system context.
func (c *Client) buildWireMessages(msgs []contextstore.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if c.systemPrompt != "" {
		out = append(out, wireMessage{Role: "system", Content: c.systemPrompt})
	}
	for _, m := range msgs {
		switch m.Role {
		case contextstore.RoleSummary:
			out = append(out, wireMessage{
				Role:    "system",
				Content: "Summary of the earlier conversation:\n" + m.Content,
			})
		case contextstore.RoleTool:
			out = append(out, wireMessage{Role: "function", Name: m.ToolName, Content: m.Content})
		default:
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
