package anthropic

import (
	"context"
	"testing"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

type fakeAnthropicClient struct {
	resp model.Response
	err  error
}

func (f *fakeAnthropicClient) createMessage(ctx context.Context, modelName, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	return f.resp, f.err
}

func TestChatReturnsResponseOnSuccess(t *testing.T) {
	m := &ChatModel{client: &fakeAnthropicClient{resp: model.Response{Text: "hi", TokenCount: 5}}}

	resp, err := m.Chat(context.Background(), model.Prompt{Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", resp.Text)
	}
}

func TestChatTranslatesRateLimitError(t *testing.T) {
	m := &ChatModel{client: &fakeAnthropicClient{err: &anthropicError{Type: "rate_limit_error", Message: "slow down"}}}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if !model.Retryable(err) {
		t.Fatalf("expected a rate-limit error to be classified as retryable, got %v", err)
	}
}

func TestChatTranslatesAuthError(t *testing.T) {
	m := &ChatModel{client: &fakeAnthropicClient{err: &anthropicError{Type: "authentication_error", Message: "bad key"}}}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if model.Retryable(err) {
		t.Fatalf("expected an auth error to not be retryable")
	}
}

func TestChatPassesThroughCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &ChatModel{client: &fakeAnthropicClient{}}
	if _, err := m.Chat(ctx, model.Prompt{}); err == nil {
		t.Fatalf("expected an error from a canceled context")
	}
}

func TestSplitSystemMergesSystemMessages(t *testing.T) {
	prompt := model.Prompt{
		System: "base",
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "extra"},
			{Role: model.RoleUser, Content: "question"},
		},
	}

	system, conversation := splitSystem(prompt)
	if system != "base\n\nextra" {
		t.Fatalf("expected merged system prompt, got %q", system)
	}
	if len(conversation) != 1 || conversation[0].Content != "question" {
		t.Fatalf("expected only the user message left in the conversation, got %+v", conversation)
	}
}
