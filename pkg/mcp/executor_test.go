package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		wantServer     string
		wantTool       string
		wantErr        bool
	}{
		{"simple", "git.clone", "git", "clone", false},
		{"tool with dots", "k8s.pods.list", "k8s", "pods.list", false},
		{"no dot", "clone", "", "", true},
		{"leading dot", ".clone", "", "", true},
		{"trailing dot", "git.", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tool, err := SplitToolName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantServer, server)
			assert.Equal(t, tt.wantTool, tool)
		})
	}
}

func TestQualifyToolName(t *testing.T) {
	assert.Equal(t, "git.clone", QualifyToolName("git", "clone"))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, NoRetry, ClassifyError(nil))
	assert.Equal(t, NoRetry, ClassifyError(context.Canceled))
	assert.Equal(t, NoRetry, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, RetryNewSession, ClassifyError(io.EOF))
	assert.Equal(t, RetryNewSession, ClassifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, NoRetry, ClassifyError(errors.New("jsonrpc2: method not found")))
	assert.Equal(t, NoRetry, ClassifyError(errors.New("something else entirely")))

	timeoutErr := &net.DNSError{IsTimeout: true}
	assert.Equal(t, NoRetry, ClassifyError(timeoutErr))
	connErr := &net.DNSError{IsNotFound: true}
	assert.Equal(t, RetryNewSession, ClassifyError(connErr))
}

func TestStubExecutor(t *testing.T) {
	stub := NewStubExecutor()
	stub.Declare("git.clone", "clone a repository")
	stub.Enqueue("git.clone", Result{Content: "cloned"})
	stub.Enqueue("git.clone", Result{Content: "already exists", IsError: true})

	decls, err := stub.Declarations(context.Background())
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, "git.clone", decls[0].Name)

	r1, err := stub.Execute(context.Background(), "git.clone", map[string]any{"url": "x"})
	require.NoError(t, err)
	assert.Equal(t, "cloned", r1.Content)
	assert.False(t, r1.IsError)

	r2, err := stub.Execute(context.Background(), "git.clone", nil)
	require.NoError(t, err)
	assert.True(t, r2.IsError)

	// Last canned result repeats.
	r3, err := stub.Execute(context.Background(), "git.clone", nil)
	require.NoError(t, err)
	assert.Equal(t, "already exists", r3.Content)

	// Unknown tools error like a real server would.
	r4, err := stub.Execute(context.Background(), "fs.read", nil)
	require.NoError(t, err)
	assert.True(t, r4.IsError)

	assert.Len(t, stub.Calls(), 4)
}
