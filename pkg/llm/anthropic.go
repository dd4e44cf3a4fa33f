package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewAnthropicClient builds the provider. The API key must be non-empty.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Close implements Client.
func (c *AnthropicClient) Close() error { return nil }

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return nil, classify(err, c.Name(), in.Model)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk, 64)
	go c.processStream(stream, chunks, in.Model)
	return chunks, nil
}

func (c *AnthropicClient) buildParams(in *GenerateInput) (anthropic.MessageNewParams, error) {
	model := in.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages, err := convertAnthropicMessages(in.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if in.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: in.SystemPrompt}}
	}
	if in.Temperature > 0 {
		params.Temperature = anthropic.Float(in.Temperature)
	}
	if len(in.Tools) > 0 {
		tools, err := convertAnthropicTools(in.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if in.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(in.ForceTool)
	}
	return params, nil
}

// processStream converts Anthropic SSE events into chunks. Tool input
// arrives as partial JSON fragments that are assembled per content block.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	defer close(chunks)

	var (
		inputTokens  int
		outputTokens int
		toolID       string
		toolName     string
		toolInput    strings.Builder
		inToolBlock  bool
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				toolID = toolUse.ID
				toolName = toolUse.Name
				toolInput.Reset()
				inToolBlock = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &TextChunk{Content: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if inToolBlock {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				chunks <- &ToolCallChunk{CallID: toolID, Name: toolName, Arguments: args}
				inToolBlock = false
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &UsageChunk{InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &ErrorChunk{Err: classify(err, c.Name(), model)}
		return
	}
	chunks <- &UsageChunk{InputTokens: inputTokens, OutputTokens: outputTokens}
}

func convertAnthropicMessages(messages []ConversationMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case "system":
			// System prompts ride in params.System, not the message list.
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.ParametersSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}
