package llmgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/appforge/genforge/pkg/models"
)

// OpenAIProvider adapts go-openai's chat completions API to the Gateway's
// provider-agnostic Request/Completion vocabulary. It also serves any
// OpenAI-compatible endpoint (OpenRouter, local gateways) via BaseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider returns a Provider backed by the OpenAI chat completions
// API, or a compatible endpoint when baseURL is non-empty.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Temperature: float32(req.Temperature),
		Tools:       p.convertTools(req.Tools),
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrProtocol)
	}
	choice := resp.Choices[0]

	completion := &Completion{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(choice.FinishReason),
	}
	if choice.Message.Content != "" {
		completion.Blocks = append(completion.Blocks, models.Block{Kind: models.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.Blocks = append(completion.Blocks, models.Block{
			Kind: models.BlockToolUse,
			ToolUse: &models.ToolUseBlock{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	return completion, nil
}

func (p *OpenAIProvider) convertMessages(turns []models.Turn, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msg := openai.ChatCompletionMessage{Role: role}
		for _, block := range turn.Blocks {
			switch block.Kind {
			case models.BlockText:
				msg.Content += block.Text
			case models.BlockToolUse:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   block.ToolUse.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.ToolUse.Name,
						Arguments: string(block.ToolUse.Input),
					},
				})
			case models.BlockToolResult:
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: block.ToolResult.ToolUseID,
					Content:    block.ToolResult.Content,
				})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (p *OpenAIProvider) convertTools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params any
		_ = json.Unmarshal(t.Schema, &params)
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrServerError, err)
		}
	}
	return err
}
