// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing LLM client interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/studio-ai/studio/llm"
)

// MockInvoker is a thread-safe mock LLM invoker for testing.
// It captures requests and returns configured results in sequence.
//
// Usage:
//
//	// Single result mock
//	mock := &testutil.MockInvoker{
//	    Results: []*llm.InvokeResult{
//	        {Text: "ok", SessionID: "sess-1"},
//	    },
//	}
//
//	// Error response
//	mock := &testutil.MockInvoker{
//	    Err: llm.NewTransientError(errors.New("connection failed")),
//	}
type MockInvoker struct {
	mu          sync.Mutex
	Results     []*llm.InvokeResult // Results to return in sequence
	Err         error               // Error to return (takes precedence over Results)
	Tokens      []string            // Tokens to stream through OnToken before returning
	requests    []llm.InvokeRequest
	resultIndex int
}

// Invoke implements llm.Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.InvokeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if req.OnToken != nil {
		for _, tok := range m.Tokens {
			req.OnToken(tok)
		}
	}

	if m.Err != nil {
		return nil, m.Err
	}

	if m.resultIndex < len(m.Results) {
		res := m.Results[m.resultIndex]
		m.resultIndex++
		if res.SessionID == "" {
			res.SessionID = llm.NewSessionID()
		}
		return res, nil
	}

	// Default result if none configured
	return &llm.InvokeResult{Text: "", SessionID: llm.NewSessionID()}, nil
}

// Requests returns the captured invoke requests.
func (m *MockInvoker) Requests() []llm.InvokeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.InvokeRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Invoke calls.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
