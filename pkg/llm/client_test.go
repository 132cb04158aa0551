package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/drover/pkg/config"
	"github.com/forgeworks/drover/pkg/contextstore"
)

func newTestServer(t *testing.T, handler func(req wireRequest) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, json.NewEncoder(w).Encode(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testProvider(baseURL string) config.LLMProviderConfig {
	return config.LLMProviderConfig{
		Model:         "gpt-4o",
		BaseURL:       baseURL,
		APIKey:        "test-key",
		ContextLength: 128000,
		MaxToken:      2048,
	}
}

func textCompletion(text string) any {
	return map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": text}}},
		"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

func TestGetResponseRebuildsRequestFromLog(t *testing.T) {
	var captured wireRequest
	srv := newTestServer(t, func(req wireRequest) any {
		captured = req
		return textCompletion(`{"done":true,"comment":"finished"}`)
	})

	log := NewMemoryLog()
	c := NewClient(testProvider(srv.URL), true, log, "")
	c.AppendSystem("You are a coding agent.")
	c.UpdateTools([]FunctionDecl{{Name: "git.clone"}})
	require.NoError(t, c.AppendUser("fix the bug"))
	require.NoError(t, c.AppendToolResult("git.clone", `{"ok":true}`))

	resp, err := c.GetResponse(context.Background())
	require.NoError(t, err)
	assert.Contains(t, resp.Text, `"done":true`)

	// System prompt is prepended, not stored in the log.
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "function", captured.Messages[2].Role)
	assert.Equal(t, "git.clone", captured.Messages[2].Name)
	assert.Equal(t, "auto", captured.FunctionCall)

	// Assistant turn landed in the log.
	msgs, err := log.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, contextstore.RoleAssistant, msgs[2].Role)
}

func TestGetResponseParsesNativeFunctionCall(t *testing.T) {
	srv := newTestServer(t, func(req wireRequest) any {
		return map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": "",
				"function_call": map[string]any{
					"name":      "fs.read",
					"arguments": `{"path":"go.mod"}`,
				},
			}}},
			"usage": map[string]int{"total_tokens": 20},
		}
	})

	log := NewMemoryLog()
	c := NewClient(testProvider(srv.URL), true, log, "")
	require.NoError(t, c.AppendUser("read go.mod"))

	resp, err := c.GetResponse(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.FunctionCalls, 1)
	assert.Equal(t, "fs.read", resp.FunctionCalls[0].Name)
	assert.Equal(t, "go.mod", resp.FunctionCalls[0].Arguments["path"])

	// Logged assistant content round-trips through the response parser.
	msgs, err := log.Messages()
	require.NoError(t, err)
	parsed, err := ParseAgentResponse(msgs[len(msgs)-1].Content)
	require.NoError(t, err)
	assert.Equal(t, KindFunctionCall, parsed.Kind)
	assert.Equal(t, "fs.read", parsed.FunctionCall.Name)
}

func TestGetResponseStagesAndRemovesRequestFile(t *testing.T) {
	requestPath := filepath.Join(t.TempDir(), "request.json")

	srv := newTestServer(t, func(req wireRequest) any {
		// The staged file must exist while the call is in flight.
		staged, err := os.ReadFile(requestPath)
		require.NoError(t, err)
		var onDisk wireRequest
		require.NoError(t, json.Unmarshal(staged, &onDisk))
		require.Equal(t, req.Model, onDisk.Model)
		return textCompletion("ok")
	})

	log := NewMemoryLog()
	c := NewClient(testProvider(srv.URL), false, log, requestPath)
	require.NoError(t, c.AppendUser("hello"))

	_, err := c.GetResponse(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(requestPath)
	assert.True(t, os.IsNotExist(err))
}

func TestGetResponseInvokesStatisticsHook(t *testing.T) {
	srv := newTestServer(t, func(req wireRequest) any { return textCompletion("ok") })

	c := NewClient(testProvider(srv.URL), false, NewMemoryLog(), "")
	var got Usage
	c.SetStatisticsHook(func(u Usage) { got = u })
	require.NoError(t, c.AppendUser("hello"))

	_, err := c.GetResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, got.TotalTokens)
}

func TestSummaryMessagesSentAsSystemContext(t *testing.T) {
	var captured wireRequest
	srv := newTestServer(t, func(req wireRequest) any {
		captured = req
		return textCompletion("ok")
	})

	log := NewMemoryLog()
	_, err := log.Append(contextstore.RoleSummary, "earlier work summary", "")
	require.NoError(t, err)
	_, err = log.Append(contextstore.RoleUser, "continue", "")
	require.NoError(t, err)

	c := NewClient(testProvider(srv.URL), false, log, "")
	_, err = c.GetResponse(context.Background())
	require.NoError(t, err)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, "earlier work summary")
}

func TestCompleteOneShot(t *testing.T) {
	srv := newTestServer(t, func(req wireRequest) any {
		require.Len(t, req.Messages, 1)
		return textCompletion("a terse summary")
	})

	c := NewClient(testProvider(srv.URL), false, NewMemoryLog(), "")
	text, usage, err := c.Complete(context.Background(), "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "a terse summary", text)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestGetResponseSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(testProvider(srv.URL), false, NewMemoryLog(), "")
	require.NoError(t, c.AppendUser("hello"))

	_, err := c.GetResponse(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
