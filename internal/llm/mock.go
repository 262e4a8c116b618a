package llm

import (
	"context"
	"sync"
)

// MockCall records one GenerateResponse invocation.
type MockCall struct {
	SystemPrompt string
	UserPrompt   string
}

// MockClient is a test double for the LLM Client interface. Responses are
// served FIFO from the queue; when the queue is empty, Default is returned.
type MockClient struct {
	mu      sync.Mutex
	queue   []queued
	Default *Response
	Calls   []MockCall
}

type queued struct {
	resp *Response
	err  error
}

// Queue appends a response to serve on a future call.
func (m *MockClient) Queue(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{resp: &Response{Content: content, Provider: "mock"}})
}

// QueueError appends an error to serve on a future call.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{err: err})
}

// GenerateResponse records the call and pops the next queued response.
func (m *MockClient) GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, maxAttempts int) (*Response, error) {
	if err := validateAttempts(maxAttempts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt})

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		return next.resp, next.err
	}
	if m.Default != nil {
		return m.Default, nil
	}
	return &Response{Content: "{}", Provider: "mock"}, nil
}
