package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

type fakeOpenAIClient struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (f *fakeOpenAIClient) createChatCompletion(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return model.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return model.Response{}, nil
}

func TestChatReturnsResponseOnSuccess(t *testing.T) {
	m := &ChatModel{client: &fakeOpenAIClient{responses: []model.Response{{Text: "hi"}}}, maxRetries: 3, retryDelay: time.Millisecond}

	resp, err := m.Chat(context.Background(), model.Prompt{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("expected text %q, got %q", "hi", resp.Text)
	}
}

func TestChatRetriesOnRateLimitThenSucceeds(t *testing.T) {
	fake := &fakeOpenAIClient{
		errs:      []error{translate(errors.New("429 too many requests"))},
		responses: []model.Response{{}, {Text: "ok"}},
	}
	m := &ChatModel{client: fake, maxRetries: 3, retryDelay: time.Millisecond}

	resp, err := m.Chat(context.Background(), model.Prompt{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("expected the retried call to succeed, got %q", resp.Text)
	}
	if fake.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", fake.calls)
	}
}

func TestChatGivesUpAfterMaxRetries(t *testing.T) {
	fake := &fakeOpenAIClient{errs: []error{
		translate(errors.New("429")), translate(errors.New("429")), translate(errors.New("429")), translate(errors.New("429")),
	}}
	m := &ChatModel{client: fake, maxRetries: 2, retryDelay: time.Millisecond}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if fake.calls != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", fake.calls)
	}
}

func TestChatDoesNotRetryNonRetryableError(t *testing.T) {
	fake := &fakeOpenAIClient{errs: []error{errors.New("400 invalid request")}}
	m := &ChatModel{client: fake, maxRetries: 3, retryDelay: time.Millisecond}

	_, err := m.Chat(context.Background(), model.Prompt{})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if fake.calls != 1 {
		t.Fatalf("expected no retries for a malformed-request error, got %d calls", fake.calls)
	}
}

func TestTranslateClassifiesKnownErrorStrings(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"429 rate limit exceeded", model.ErrRateLimited},
		{"request timeout", model.ErrTimeout},
		{"401 unauthorized", model.ErrAuth},
		{"400 invalid request", model.ErrMalformed},
		{"502 bad gateway", model.ErrTimeout},
	}
	for _, c := range cases {
		got := translate(errors.New(c.msg))
		if !errors.Is(got, c.want) {
			t.Errorf("translate(%q) = %v, want wrapping %v", c.msg, got, c.want)
		}
	}
}
