// Package providers implements the language-model backends for the session
// core: Anthropic's Claude API and OpenAI-compatible chat completion APIs.
// Each provider converts between the internal message format and its wire
// format and maps API failures onto the agent package's error taxonomy.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/sessiond/internal/agent"
	"github.com/haasonsaas/sessiond/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements agent.Provider for Anthropic's Messages API.
// Requests are non-streaming; the controller owns retry and backoff policy.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// Model defaults to claude-sonnet-4-20250514.
	Model string
}

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w: api key missing", agent.ErrAuthentication)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends one non-streaming completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	system, messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	completion := &agent.Completion{
		ResponseID:   resp.ID,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			completion.Content += b.Text
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: encoding tool input: %w", err)
			}
			completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(args),
			})
		}
	}
	return completion, nil
}

// convertMessages translates to Anthropic's content-block format. System
// messages are extracted and returned separately; tool-role messages become
// tool_result blocks inside user messages.
func (p *AnthropicProvider) convertMessages(messages []models.Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system.WriteString(msg.TextContent())
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID, msg.TextContent(), false))
		} else if text := msg.TextContent(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}

		for _, url := range msg.ImageURLs() {
			content = append(content, imageBlock(url))
		}

		for _, call := range msg.ToolCalls {
			var input map[string]any
			if call.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
					return "", nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return system.String(), result, nil
}

func imageBlock(url string) anthropic.ContentBlockParamUnion {
	if mediaType, data, ok := parseDataURL(url); ok {
		return anthropic.NewImageBlockBase64(mediaType, data)
	}
	return anthropic.ContentBlockParamUnion{
		OfImage: &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfURL: &anthropic.URLImageSourceParam{URL: url},
			},
		},
	}
}

// parseDataURL splits a data:<media>;base64,<data> URL.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func (p *AnthropicProvider) convertTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// wrapError maps API failures onto the agent error taxonomy.
func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 529:
			return fmt.Errorf("anthropic: %w: %v", agent.ErrRateLimited, err)
		case 401, 403:
			return fmt.Errorf("anthropic: %w: %v", agent.ErrAuthentication, err)
		}
		if strings.Contains(err.Error(), "content filtering") ||
			strings.Contains(err.Error(), "harmful") {
			return fmt.Errorf("anthropic: %w: %v", agent.ErrContentPolicy, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: %w: %v", agent.ErrTimeout, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
