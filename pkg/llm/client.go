// Package llm is the gateway to the model providers. It exposes plain,
// structured and tool-calling invocation over a uniform streaming client
// interface, with bounded retry, per-provider rate limiting and usage
// accounting.
package llm

import (
	"context"
	"encoding/json"
)

// Client is a single model provider with a channel-based streaming API.
type Client interface {
	// Generate sends a conversation to the provider and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Errors after stream start are delivered as ErrorChunk values.
	Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error)

	// Name identifies the provider in logs, metrics and errors.
	Name() string

	// Close releases provider resources.
	Close() error
}

// GenerateInput is one provider invocation.
type GenerateInput struct {
	ThreadID     string
	Agent        string
	Model        string
	SystemPrompt string
	Messages     []ConversationMessage
	Temperature  float64
	MaxTokens    int

	// Tools the model may call. Nil means no tool calling.
	Tools []ToolDefinition

	// ForceTool names the single tool the model must call. Structured
	// invocations set it together with a schema-bearing tool definition.
	ForceTool string

	// ResponseSchema constrains plain-JSON structured output on providers
	// that support schema-bound response formats.
	ResponseSchema json.RawMessage
	SchemaName     string
}

// ConversationMessage is the provider-neutral message type.
type ConversationMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema json.RawMessage
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the model's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider error after the stream started.
type ErrorChunk struct{ Err error }

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
