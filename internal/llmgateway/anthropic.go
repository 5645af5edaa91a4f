package llmgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/appforge/genforge/pkg/models"
)

// AnthropicProvider adapts anthropic-sdk-go's Messages API to the Gateway's
// provider-agnostic Request/Completion vocabulary.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider returns a Provider backed by the Anthropic API. apiKey
// may be empty to defer to the SDK's ANTHROPIC_API_KEY environment lookup.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	var options []option.RequestOption
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	tools, err := p.convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	params.Tools = tools

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	completion := &Completion{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			completion.Blocks = append(completion.Blocks, models.Block{Kind: models.BlockText, Text: variant.Text})
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(variant.Input)
			completion.Blocks = append(completion.Blocks, models.Block{
				Kind: models.BlockToolUse,
				ToolUse: &models.ToolUseBlock{
					ID:    variant.ID,
					Name:  variant.Name,
					Input: input,
				},
			})
		}
	}
	return completion, nil
}

func (p *AnthropicProvider) convertMessages(turns []models.Turn) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, turn := range turns {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range turn.Blocks {
			switch block.Kind {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case models.BlockToolUse:
				var input any
				if err := json.Unmarshal(block.ToolUse.Input, &input); err != nil {
					return nil, err
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUse.ID, input, block.ToolUse.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolResult.ToolUseID, block.ToolResult.Content, block.ToolResult.IsError))
			}
		}
		if turn.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 500, 502, 503, 504:
			return fmt.Errorf("%w: %v", ErrServerError, err)
		}
	}
	return err
}
