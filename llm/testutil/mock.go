// Package testutil provides an llm.Completer double for decision tests.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/semflow/llm"
)

// MockCompleter returns scripted replies in order and records every request.
// Err, when set, is returned instead of a reply. After the script runs out
// the last reply is repeated.
type MockCompleter struct {
	mu       sync.Mutex
	Replies  []string
	Err      error
	requests []llm.Request
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	content := ""
	if n := len(m.Replies); n > 0 {
		i := len(m.requests) - 1
		if i >= n {
			i = n - 1
		}
		content = m.Replies[i]
	}
	return &llm.Response{Content: content, Model: "mock", Attempts: 1}, nil
}

// Requests returns the recorded requests.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// Calls returns the number of Complete calls.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var _ llm.Completer = (*MockCompleter)(nil)
