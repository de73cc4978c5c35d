// Package model abstracts the LLM collaborator behind one interface so the
// stage executor never depends on a specific provider's SDK. Three
// concrete adapters are provided (anthropic, openai, google) plus a Mock
// for tests and dry runs.
package model

import (
	"context"
	"errors"
)

// Role identifies a message's sender in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// ToolSpec describes a tool the model may call, in JSON Schema terms.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one invocation request the model produced.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// Prompt is the fully-built input to one ChatModel.Chat call, produced
// by a PromptBuilder. ModelTier carries the stage executor's hint from
// TierPolicy; providers that support tiered model selection honor it.
type Prompt struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	ModelTier Tier
}

// Response is the model's answer to one Prompt.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	TokenCount int
}

// Sentinel classification errors a ChatModel implementation wraps its
// provider-specific failures into, per the collaborator contract in
// the collaborator contract: {rate-limited, timeout, auth, malformed}. The
// retryable set is {rate-limited, timeout}.
var (
	ErrRateLimited = errors.New("model: rate limited")
	ErrTimeout     = errors.New("model: request timed out")
	ErrAuth        = errors.New("model: authentication failed")
	ErrMalformed   = errors.New("model: malformed response")
)

// Retryable reports whether err (or anything it wraps) is one of the
// classification errors a worker should retry the same stage for.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// ChatModel is the collaborator interface LLMClient adapters implement.
// Providers translate Prompt into their own wire format and translate
// their errors onto the sentinels above.
type ChatModel interface {
	Chat(ctx context.Context, prompt Prompt) (Response, error)
}
