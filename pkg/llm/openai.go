package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client on the OpenAI chat completions API. A
// BaseURL override points it at any OpenAI-compatible endpoint (OpenRouter,
// Ollama, vLLM).
type OpenAIClient struct {
	client       *openai.Client
	name         string
	defaultModel string
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// Name overrides the provider name in logs and errors. Defaults to
	// "openai".
	Name string
}

// NewOpenAIClient builds the provider. Local endpoints may run without an
// API key as long as BaseURL is set.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key or base URL is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         name,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return c.name }

// Close implements Client.
func (c *OpenAIClient) Close() error { return nil }

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error) {
	req := c.buildRequest(in)

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err, c.name, req.Model)
	}

	chunks := make(chan Chunk, 64)
	go c.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (c *OpenAIClient) buildRequest(in *GenerateInput) openai.ChatCompletionRequest {
	model := in.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(in.Messages)+1)
	if in.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: in.SystemPrompt,
		})
	}
	for _, m := range in.Messages {
		messages = append(messages, convertOpenAIMessage(m))
	}

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if in.Temperature > 0 {
		req.Temperature = float32(in.Temperature)
	}
	if in.MaxTokens > 0 {
		req.MaxTokens = in.MaxTokens
	}

	// Schema-bound output uses the native response format; tool definitions
	// are only attached otherwise.
	if len(in.ResponseSchema) > 0 {
		name := in.SchemaName
		if name == "" {
			name = "response"
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: in.ResponseSchema,
				Strict: false,
			},
		}
		return req
	}

	if len(in.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(in.Tools))
		for _, t := range in.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.ParametersSchema,
				},
			})
		}
		req.Tools = tools
		if in.ForceTool != "" {
			req.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: in.ForceTool},
			}
		}
	}
	return req
}

func convertOpenAIMessage(m ConversationMessage) openai.ChatCompletionMessage {
	switch m.Role {
	case "tool":
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
	case "assistant":
		out := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return out
	default:
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: m.Content,
		}
	}
}

// processStream converts the completion stream into chunks. Tool call
// fragments are accumulated by index until the finish reason flushes them.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	toolCalls := map[int]*partial{}
	var usage UsageChunk

	flushTools := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc, ok := toolCalls[i]
			if !ok || tc.id == "" || tc.name == "" {
				continue
			}
			args := tc.args.String()
			if args == "" {
				args = "{}"
			}
			chunks <- &ToolCallChunk{CallID: tc.id, Name: tc.name, Arguments: args}
		}
		toolCalls = map[int]*partial{}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &ErrorChunk{Err: classify(ctx.Err(), c.name, model)}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				chunks <- &usage
				return
			}
			chunks <- &ErrorChunk{Err: classify(err, c.name, model)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &TextChunk{Content: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p, ok := toolCalls[index]
			if !ok {
				p = &partial{}
				toolCalls[index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}
