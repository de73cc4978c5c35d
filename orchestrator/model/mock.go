package model

import (
	"context"
	"sync"
)

// MockChatModel is a test double implementing ChatModel with canned
// responses, optional error injection, and full call history. It also
// serves as the default no-op collaborator for dry runs, since the LLM
// client is an optional pluggable dependency.
type MockChatModel struct {
	// Responses is returned in order; once exhausted, the last response
	// repeats for subsequent calls.
	Responses []Response

	// Err, if set, is returned instead of a response.
	Err error

	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

type MockChatCall struct {
	Prompt Prompt
}

func (m *MockChatModel) Chat(ctx context.Context, prompt Prompt) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Prompt: prompt})

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
