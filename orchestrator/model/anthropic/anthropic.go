// Package anthropic adapts Anthropic's Claude API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

// tierModels maps a model.Tier to a concrete Claude model name. Falls back
// to the default-tier model for an unrecognized tier.
var tierModels = map[model.Tier]string{
	model.TierFast:    "claude-3-5-haiku-20241022",
	model.TierDefault: "claude-sonnet-4-5-20250929",
	model.TierDeep:    "claude-opus-4-1-20250805",
}

// ChatModel implements model.ChatModel for Anthropic's Claude API.
type ChatModel struct {
	apiKey string
	client anthropicClient
}

// anthropicClient exists so tests can substitute a fake without an API key.
type anthropicClient interface {
	createMessage(ctx context.Context, modelName, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.Response, error)
}

func NewChatModel(apiKey string) *ChatModel {
	return &ChatModel{apiKey: apiKey, client: &defaultClient{apiKey: apiKey}}
}

func (m *ChatModel) Chat(ctx context.Context, prompt model.Prompt) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	modelName := tierModels[prompt.ModelTier]
	if modelName == "" {
		modelName = tierModels[model.TierDefault]
	}

	systemPrompt, conversation := splitSystem(prompt)

	out, err := m.client.createMessage(ctx, modelName, systemPrompt, conversation, prompt.Tools)
	if err != nil {
		var apiErr *anthropicError
		if errors.As(err, &apiErr) {
			return model.Response{}, translate(apiErr)
		}
		return model.Response{}, err
	}
	return out, nil
}

func splitSystem(prompt model.Prompt) (string, []model.Message) {
	system := prompt.System
	var conversation []model.Message
	for _, msg := range prompt.Messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

// translate maps Anthropic's error taxonomy onto the collaborator
// contract's {rate-limited, timeout, auth, malformed} classification.
func translate(err *anthropicError) error {
	switch err.Type {
	case "rate_limit_error", "overloaded_error":
		return fmt.Errorf("%w: %s", model.ErrRateLimited, err.Message)
	case "authentication_error", "permission_error":
		return fmt.Errorf("%w: %s", model.ErrAuth, err.Message)
	case "invalid_request_error", "not_found_error":
		return fmt.Errorf("%w: %s", model.ErrMalformed, err.Message)
	default:
		return err
	}
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) createMessage(ctx context.Context, modelName, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, fmt.Errorf("%w: anthropic api key is required", model.ErrAuth)
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		Messages:  convertMessages(messages),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Response{}, fmt.Errorf("%w: %v", model.ErrTimeout, err)
		}
		return model.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	return convertResponse(resp), nil
}

func convertMessages(messages []model.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func convertTools(tools []model.ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var properties any
		var required []string
		if tool.Schema != nil {
			if props, ok := tool.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := tool.Schema["required"].([]string); ok {
				required = req
			}
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        tool.Name,
				Description: anthropicsdk.String(tool.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return result
}

func convertResponse(resp *anthropicsdk.Message) model.Response {
	out := model.Response{TokenCount: int(resp.Usage.InputTokens + resp.Usage.OutputTokens)}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: b.Name, Input: convertToolInput(b.Input)})
		}
	}
	return out
}

func convertToolInput(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": input}
}

type anthropicError struct {
	Type    string
	Message string
}

func (e *anthropicError) Error() string { return e.Type + ": " + e.Message }
