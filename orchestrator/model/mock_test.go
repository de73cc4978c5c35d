package model

import (
	"context"
	"errors"
	"testing"
)

func TestMockChatModelCyclesThenRepeatsLastResponse(t *testing.T) {
	m := &MockChatModel{Responses: []Response{{Text: "first"}, {Text: "second"}}}
	ctx := context.Background()

	r1, err := m.Chat(ctx, Prompt{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if r1.Text != "first" {
		t.Fatalf("expected first response, got %q", r1.Text)
	}

	r2, _ := m.Chat(ctx, Prompt{})
	if r2.Text != "second" {
		t.Fatalf("expected second response, got %q", r2.Text)
	}

	r3, _ := m.Chat(ctx, Prompt{})
	if r3.Text != "second" {
		t.Fatalf("expected the last response to repeat once exhausted, got %q", r3.Text)
	}

	if m.CallCount() != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", m.CallCount())
	}
}

func TestMockChatModelReturnsInjectedError(t *testing.T) {
	m := &MockChatModel{Err: ErrRateLimited}
	if _, err := m.Chat(context.Background(), Prompt{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected the injected error, got %v", err)
	}
}

func TestMockChatModelRespectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &MockChatModel{Responses: []Response{{Text: "ok"}}}
	if _, err := m.Chat(ctx, Prompt{}); err == nil {
		t.Fatalf("expected an error from a canceled context")
	}
}

func TestMockChatModelReset(t *testing.T) {
	m := &MockChatModel{Responses: []Response{{Text: "a"}, {Text: "b"}}}
	m.Chat(context.Background(), Prompt{})
	m.Chat(context.Background(), Prompt{})
	m.Reset()
	if m.CallCount() != 0 {
		t.Fatalf("expected Reset to clear call history, got %d", m.CallCount())
	}
	r, _ := m.Chat(context.Background(), Prompt{})
	if r.Text != "a" {
		t.Fatalf("expected Reset to rewind to the first response, got %q", r.Text)
	}
}
