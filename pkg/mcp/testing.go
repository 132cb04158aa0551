package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/drover/pkg/llm"
)

// StubExecutor is an in-memory Executor for handler and planning tests.
// Register canned results per qualified tool name; unregistered tools return
// an error result, mirroring how a real server rejects unknown tools.
type StubExecutor struct {
	mu      sync.Mutex
	decls   []llm.FunctionDecl
	results map[string][]Result // per-tool FIFO of canned results
	calls   []StubCall
}

// StubCall records one Execute invocation.
type StubCall struct {
	Name string
	Args map[string]any
}

// NewStubExecutor creates an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{results: make(map[string][]Result)}
}

// Declare registers a tool declaration offered by Declarations.
func (s *StubExecutor) Declare(name, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decls = append(s.decls, llm.FunctionDecl{Name: name, Description: description})
}

// Enqueue adds a canned result for a tool; results are consumed in order,
// the last one repeating.
func (s *StubExecutor) Enqueue(name string, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = append(s.results[name], r)
}

// Calls returns the recorded invocations.
func (s *StubExecutor) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *StubExecutor) Declarations(context.Context) ([]llm.FunctionDecl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.FunctionDecl, len(s.decls))
	copy(out, s.decls)
	return out, nil
}

func (s *StubExecutor) Execute(_ context.Context, name string, args map[string]any) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, StubCall{Name: name, Args: args})

	queue := s.results[name]
	if len(queue) == 0 {
		return Result{Content: fmt.Sprintf("unknown tool %q", name), IsError: true}, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		s.results[name] = queue[1:]
	}
	return r, nil
}

func (s *StubExecutor) Instructions() string { return "" }

func (s *StubExecutor) Close() error { return nil }
