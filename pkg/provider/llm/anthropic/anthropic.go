// Package anthropic provides an LLM provider backed by the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/MrWong99/toolbridge/pkg/provider/llm"
)

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client *anthropicsdk.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := anthropicsdk.NewClient(reqOpts...)
	return &Provider{client: &client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create message: %w", err)
	}

	result := &llm.CompletionResponse{
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	// The response is an ordered block sequence: text blocks concatenate into
	// Content, tool_use blocks become ToolCalls in emission order.
	var texts []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				texts = append(texts, textBlock.Text)
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argBytes)
				}
			}
			result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}
	result.Content = strings.Join(texts, "\n")

	return result, nil
}

// CountTokens implements llm.Provider.
// TODO: call the Anthropic count_tokens endpoint for exact numbers.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough Claude approximation.
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known Claude model names.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsVision:      true,
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude-3-opus"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-sonnet"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-haiku"):
		caps.MaxOutputTokens = 4_096
	}
	return caps
}

// buildParams converts a CompletionRequest into Anthropic SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (anthropicsdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = modelCapabilities(p.model).MaxOutputTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			// The Messages API takes system text out of band.
			params.System = append(params.System, anthropicsdk.TextBlockParam{Text: m.Content})

		case llm.RoleUser:
			params.Messages = append(params.Messages,
				anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))

		case llm.RoleAssistant:
			blocks, err := assistantBlocks(m)
			if err != nil {
				return anthropicsdk.MessageNewParams{}, err
			}
			params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(blocks...))

		case llm.RoleTool:
			// Tool results travel as user turns carrying a tool_result block
			// correlated by the originating tool_use ID.
			params.Messages = append(params.Messages,
				anthropicsdk.NewUserMessage(anthropicsdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			return anthropicsdk.MessageNewParams{}, fmt.Errorf("anthropic: unknown message role %q", m.Role)
		}
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, buildTool(td))
	}

	return params, nil
}

// assistantBlocks converts an assistant message into content blocks: the prose
// first, then any tool_use blocks in request order.
func assistantBlocks(m llm.Message) ([]anthropicsdk.ContentBlockParamUnion, error) {
	var blocks []anthropicsdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %q arguments: %w", tc.Name, err)
			}
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return blocks, nil
}

// buildTool converts a tool definition into the Anthropic tool param format.
func buildTool(td llm.ToolDefinition) anthropicsdk.ToolUnionParam {
	schema := anthropicsdk.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}
	if td.Parameters != nil {
		if properties, ok := td.Parameters["properties"]; ok {
			schema.Properties = properties
		}
		if required, ok := td.Parameters["required"]; ok {
			switch req := required.(type) {
			case []string:
				schema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
	}

	return anthropicsdk.ToolUnionParam{
		OfTool: &anthropicsdk.ToolParam{
			Name:        td.Name,
			Description: anthropicsdk.String(td.Description),
			InputSchema: schema,
		},
	}
}
