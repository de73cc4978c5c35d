// Package openai adapts OpenAI's chat completions API to model.ChatModel.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

// tierModels maps a model.Tier to a concrete OpenAI model name.
var tierModels = map[model.Tier]string{
	model.TierFast:    "gpt-4o-mini",
	model.TierDefault: "gpt-4o",
	model.TierDeep:    "o1",
}

// ChatModel implements model.ChatModel for OpenAI's chat completions API.
// Transient failures (timeouts, rate limits, 5xx) are retried with backoff
// before giving up, since the stage executor treats this adapter as a
// single synchronous collaborator call.
type ChatModel struct {
	apiKey     string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// openaiClient exists so tests can substitute a fake without an API key.
type openaiClient interface {
	createChatCompletion(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error)
}

func NewChatModel(apiKey string) *ChatModel {
	return &ChatModel{
		apiKey:     apiKey,
		client:     &defaultClient{apiKey: apiKey},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (m *ChatModel) Chat(ctx context.Context, prompt model.Prompt) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	modelName := tierModels[prompt.ModelTier]
	if modelName == "" {
		modelName = tierModels[model.TierDefault]
	}

	messages := prompt.Messages
	if prompt.System != "" {
		sys := model.Message{Role: model.RoleSystem, Content: prompt.System}
		messages = append([]model.Message{sys}, messages...)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, modelName, messages, prompt.Tools)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !model.Retryable(err) {
			return model.Response{}, err
		}
		if attempt >= m.maxRetries {
			break
		}

		delay := m.retryDelay
		if errors.Is(err, model.ErrRateLimited) {
			delay = m.retryDelay * time.Duration(attempt+1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
	}

	return model.Response{}, fmt.Errorf("openai: failed after %d retries: %w", m.maxRetries, lastErr)
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, fmt.Errorf("%w: openai api key is required", model.ErrAuth)
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, translate(err)
	}
	return convertResponse(resp), nil
}

// translate maps the SDK's transport-level error text onto the
// collaborator contract's {rate-limited, timeout, auth, malformed}
// classification, since the SDK does not expose a typed error taxonomy.
func translate(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", model.ErrRateLimited, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %v", model.ErrAuth, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w: %v", model.ErrMalformed, err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	default:
		return fmt.Errorf("openai api error: %w", err)
	}
}

func convertMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			result[i] = openaisdk.UserMessage(msg.Content)
		}
	}
	return result
}

func convertTools(tools []model.ToolSpec) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openaisdk.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Schema),
			},
		}
	}
	return result
}

func convertResponse(resp *openaisdk.ChatCompletion) model.Response {
	out := model.Response{TokenCount: int(resp.Usage.TotalTokens)}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Text = msg.Content
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]model.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			out.ToolCalls[i] = model.ToolCall{Name: tc.Function.Name, Input: parseToolInput(tc.Function.Arguments)}
		}
	}
	return out
}

// parseToolInput stores the raw JSON arguments string rather than parsing
// it, mirroring the collaborator contract's tolerance for a best-effort
// tool-call payload. The stage executor treats Input as opaque metadata
// for ASTChecker/CodeVerifier, not a structured call it dispatches itself.
func parseToolInput(jsonStr string) map[string]any {
	if jsonStr == "" {
		return nil
	}
	return map[string]any{"_raw": jsonStr}
}
