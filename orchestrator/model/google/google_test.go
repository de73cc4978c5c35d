package google

import (
	"context"
	"testing"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

type fakeGoogleClient struct {
	resp model.Response
	err  error
}

func (f *fakeGoogleClient) generateContent(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	return f.resp, f.err
}

func TestChatReturnsResponseOnSuccess(t *testing.T) {
	m := &ChatModel{client: &fakeGoogleClient{resp: model.Response{Text: "hi"}}}

	resp, err := m.Chat(context.Background(), model.Prompt{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", resp.Text)
	}
}

func TestChatTranslatesSafetyBlockToMalformed(t *testing.T) {
	m := &ChatModel{client: &fakeGoogleClient{err: &SafetyFilterError{reason: "SAFETY", category: "HARASSMENT"}}}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if err == nil {
		t.Fatalf("expected an error for a safety-filtered response")
	}
	if model.Retryable(err) {
		t.Fatalf("expected a safety block to not be retryable")
	}
}

func TestChatPassesThroughOtherErrors(t *testing.T) {
	m := &ChatModel{client: &fakeGoogleClient{err: context.DeadlineExceeded}}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if err == nil {
		t.Fatalf("expected an error to propagate")
	}
}

func TestSafetyFilterErrorReportsCategoryAndReason(t *testing.T) {
	err := &SafetyFilterError{reason: "SAFETY", category: "HARASSMENT"}
	if err.Category() != "HARASSMENT" {
		t.Errorf("expected category HARASSMENT, got %s", err.Category())
	}
	if err.Reason() != "SAFETY" {
		t.Errorf("expected reason SAFETY, got %s", err.Reason())
	}
	if err.Error() == "" {
		t.Errorf("expected a non-empty error message")
	}
}
