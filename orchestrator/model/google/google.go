// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/tdd-orchestrator/core/orchestrator/model"
)

// tierModels maps a model.Tier to a concrete Gemini model name.
var tierModels = map[model.Tier]string{
	model.TierFast:    "gemini-2.5-flash",
	model.TierDefault: "gemini-2.5-pro",
	model.TierDeep:    "gemini-2.5-pro",
}

// ChatModel implements model.ChatModel for Google's Gemini API. Content
// blocked by Gemini's safety filters surfaces as model.ErrMalformed, since
// the stage executor's retry policy has no notion of a safety block and
// retrying it would never succeed.
type ChatModel struct {
	apiKey string
	client googleClient
}

// googleClient exists so tests can substitute a fake without an API key.
type googleClient interface {
	generateContent(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error)
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

	out, err := m.client.generateContent(ctx, modelName, prompt.Messages, prompt.Tools)
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrMalformed, safetyErr)
		}
		return model.Response{}, err
	}
	return out, nil
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) generateContent(ctx context.Context, modelName string, messages []model.Message, tools []model.ToolSpec) (model.Response, error) {
	if c.apiKey == "" {
		return model.Response{}, fmt.Errorf("%w: google api key is required", model.ErrAuth)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.Response{}, fmt.Errorf("%w: %v", model.ErrAuth, err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	parts := convertMessages(messages)

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Response{}, fmt.Errorf("%w: %v", model.ErrTimeout, err)
		}
		return model.Response{}, fmt.Errorf("google api error: %w", err)
	}
	if blocked := safetyBlock(resp); blocked != nil {
		return model.Response{}, blocked
	}
	return convertResponse(resp), nil
}

func safetyBlock(resp *genai.GenerateContentResponse) *SafetyFilterError {
	if len(resp.Candidates) == 0 {
		return nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return &SafetyFilterError{reason: "SAFETY", category: candidate.FinishReason.String()}
	}
	return nil
}

func convertMessages(messages []model.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]any)
			if !ok {
				continue
			}
			propSchema := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				propSchema.Type = convertTypeString(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				propSchema.Description = desc
			}
			properties[key] = propSchema
		}
		result.Properties = properties
	}
	if required, ok := schema["required"].([]string); ok {
		result.Required = required
	}
	return result
}

func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out
}

// SafetyFilterError reports a Gemini safety-filter block. Use errors.As to
// recover it from a Chat error before deciding whether to surface it to an
// operator rather than retry.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string { return "content blocked by safety filter: " + e.category }
func (e *SafetyFilterError) Category() string { return e.category }
func (e *SafetyFilterError) Reason() string   { return e.reason }
