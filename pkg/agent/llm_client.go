package agent

import (
	"context"
	"encoding/json"
)

// LLMClient is the interface for streaming chat completions from the model
// endpoint. It provides a channel-based streaming API.
type LLMClient interface {
	// Generate sends a conversation to the LLM and returns a stream of chunks.
	// The returned channel is closed when the stream completes; callers must
	// drain it, cancelling ctx to terminate early. Mid-stream failures are
	// delivered as ErrorChunk values in the channel; failures to open the
	// stream are returned directly.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases pooled connections.
	Close() error
}

// GenerateInput is one chat completion request.
type GenerateInput struct {
	SessionID string // for log correlation
	MessageID string // assistant placeholder this call streams into
	Model     string
	Messages  []ConversationMessage
	Options   ModelOptions
	Tools     []ToolDefinition // nil = no tools
}

// ModelOptions carries the per-session sampling parameters.
type ModelOptions struct {
	Temperature float64
	MaxTokens   int
}

// ConversationMessage is one entry of the prompt window.
type ConversationMessage struct {
	Role      string // "system", "user", "assistant", "tool"
	Content   string
	ToolCalls []ToolCall // for assistant messages that requested tools
	ToolName  string     // for tool result messages
}

// ToolCall records an assistant message's request to call a tool, replayed
// back to the model on subsequent iterations.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDefinition describes a tool advertised to the LLM.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText      ChunkType = "text"
	ChunkTypeToolCalls ChunkType = "tool_calls"
	ChunkTypeUsage     ChunkType = "usage"
	ChunkTypeDone      ChunkType = "done"
	ChunkTypeError     ChunkType = "error"
)

// TextChunk is an incremental piece of the LLM's text response. Deltas are
// never cumulative; consumers concatenate them.
type TextChunk struct{ Content string }

// ToolCallsChunk carries the model's tool-call block. The endpoint sends it
// in a single frame immediately before the terminal one, so a stream holds
// at most one ToolCallsChunk.
type ToolCallsChunk struct{ Calls []ToolCallRequest }

// ToolCallRequest is one requested tool call, in block order.
type ToolCallRequest struct {
	Name      string
	Arguments json.RawMessage
}

// UsageChunk reports token consumption for this LLM call. PromptCacheHit is
// set when the endpoint omitted the prompt counter because the prefix was
// served from its cache.
type UsageChunk struct {
	PromptTokens     int
	CompletionTokens int
	PromptCacheHit   bool
}

// DoneChunk terminates a successful stream.
type DoneChunk struct{ FinishReason string }

// StreamErrorKind classifies mid-stream failures.
type StreamErrorKind string

const (
	StreamErrTransport StreamErrorKind = "transport"
	StreamErrDecode    StreamErrorKind = "decode"
	StreamErrModelHTTP StreamErrorKind = "model_http"
)

// ErrorChunk signals a mid-stream failure. It is the last chunk before the
// channel closes.
type ErrorChunk struct {
	Kind       StreamErrorKind
	Message    string
	StatusCode int // for model_http only
}

func (c *TextChunk) chunkType() ChunkType      { return ChunkTypeText }
func (c *ToolCallsChunk) chunkType() ChunkType { return ChunkTypeToolCalls }
func (c *UsageChunk) chunkType() ChunkType     { return ChunkTypeUsage }
func (c *DoneChunk) chunkType() ChunkType      { return ChunkTypeDone }
func (c *ErrorChunk) chunkType() ChunkType     { return ChunkTypeError }
