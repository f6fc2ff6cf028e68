package agent

import (
	"context"
	"sync"
)

// MockAgent returns scripted outcomes in order. Used in tests and as a dry-run
// stand-in: with no script it answers every request with an empty text
// outcome.
type MockAgent struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, req Request) (Outcome, error)
	requests []Request
}

// NewMockAgent creates an empty mock.
func NewMockAgent() *MockAgent {
	return &MockAgent{}
}

// Enqueue appends a scripted response.
func (m *MockAgent) Enqueue(fn func(ctx context.Context, req Request) (Outcome, error)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
	return m
}

// EnqueueOutcome appends a fixed outcome.
func (m *MockAgent) EnqueueOutcome(out Outcome, err error) *MockAgent {
	return m.Enqueue(func(context.Context, Request) (Outcome, error) {
		return out, err
	})
}

// Requests returns a copy of every request seen so far.
func (m *MockAgent) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Name identifies the mock in logs.
func (m *MockAgent) Name() string { return "mock" }

// Execute pops the next scripted response, or returns an empty text outcome
// when the script is exhausted.
func (m *MockAgent) Execute(ctx context.Context, req Request) (Outcome, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var fn func(ctx context.Context, req Request) (Outcome, error)
	if len(m.script) > 0 {
		fn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn == nil {
		return Outcome{Kind: OutcomeText, Summary: "ok"}, nil
	}
	return fn(ctx, req)
}
