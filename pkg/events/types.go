// Package events delivers turn events to WebSocket clients.
//
// Two kinds of frame go over the wire:
//
//   - Enveloped events: {"event_id": "<n>", "event_type": <code>,
//     "event_data": "<JSON string>"}. These carry the assistant turn —
//     content deltas, thinking spans, tool activity, completion. The
//     event_id sequence is stateful per turn (see Sequencer).
//
//   - Control frames: {"type": "connected" | "ping" | "pong" | "info" |
//     "error", ...}. Connection lifecycle and heartbeats. Control frames
//     carry no event code and do not advance the envelope sequence.
//
// The producer side (the agent loop and the stream normalizer) emits
// Event values through a bounded channel; one pump goroutine per turn
// wraps them and writes to the owning user's connection.
package events

import "encoding/json"

// Wire event codes. Stable contract with the frontend.
const (
	CodeConnected          = 1000
	CodeError              = 1999
	CodeMessageStart       = 2000
	CodeMessageContent     = 2001
	CodeMessageDone        = 2002
	CodeThinkingStart      = 3000
	CodeThinkingDelta      = 3001
	CodeThinkingComplete   = 3002
	CodeToolCall           = 4000
	CodeToolResult         = 4001
	CodeInvocationComplete = 5000
	CodeTitleUpdated       = 6000
	CodePing               = 9000
	CodePong               = 9001
)

// content_type sub-codes inside nested message objects.
const (
	ContentTypeText       = 10000
	ContentTypeThinking   = 10040
	ContentTypeToolCall   = 10050
	ContentTypeToolResult = 10051
	ContentTypeError      = 10099
)

// Message status values carried in event_data.
const (
	StatusCompleted = 1
	StatusPending   = 4
	StatusError     = 5
)

// ErrorKind classifies turn failures for clients and logs.
type ErrorKind string

const (
	ErrKindTransport       ErrorKind = "transport"
	ErrKindToolSchema      ErrorKind = "tool_schema"
	ErrKindToolRuntime     ErrorKind = "tool_runtime"
	ErrKindMaxIterations   ErrorKind = "max_iterations"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindCancelled       ErrorKind = "cancelled"
	ErrKindContextOverflow ErrorKind = "context_overflow"
	ErrKindPersistence     ErrorKind = "persistence"

	// Pre-turn validation failures.
	ErrKindEmptyInput      ErrorKind = "empty_input"
	ErrKindSessionNotFound ErrorKind = "session_not_found"
	ErrKindModelNotFound   ErrorKind = "model_not_found"
)

// Event is one canonical turn event. The concrete types below are the
// only implementations; code() returns the wire event code (0 for the
// Info control frame, which is not enveloped).
type Event interface {
	code() int
}

// MessageStart opens the assistant turn; the client allocates UI state
// for the pending message.
type MessageStart struct{}

// ContentDelta is a piece of final-visible assistant text.
type ContentDelta struct {
	Delta string
}

// ThinkingBegin opens a thinking span. ThinkingID groups the span's
// deltas; it is minted by the normalizer.
type ThinkingBegin struct {
	ThinkingID string
}

// ThinkingDelta is a piece of text inside a thinking span.
type ThinkingDelta struct {
	ThinkingID string
	Delta      string
}

// ThinkingEnd closes a thinking span.
type ThinkingEnd struct {
	ThinkingID string
}

// ToolCall announces one requested tool invocation. ToolID is minted by
// the normalizer and carried through to the matching ToolResult.
type ToolCall struct {
	ToolID string
	Name   string
	Args   json.RawMessage
}

// ToolResult reports the outcome of one tool invocation.
type ToolResult struct {
	ToolID   string
	Name     string
	Result   json.RawMessage
	CacheHit bool
	IsError  bool
}

// InvocationComplete closes one LLM call with its usage numbers.
type InvocationComplete struct {
	Sequence         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMS       int64
	FinishReason     string
}

// TurnError reports a turn failure. Exactly one TurnError precedes the
// Done event of a failed turn.
type TurnError struct {
	Kind    ErrorKind
	Message string
}

// Info tells the client generation was stopped on request. Rendered as
// a control frame, not an envelope.
type Info struct {
	Reason string
}

// Done closes the turn. Status is StatusCompleted for clean finishes
// and StatusError when the turn failed or was stopped mid-stream.
type Done struct {
	MessageID      string
	Status         int
	GenerationTime float64
	ContextInfo    *ContextInfo
	SessionInfo    *SessionInfo
}

// TitleUpdated announces an asynchronously generated session title.
type TitleUpdated struct {
	Title string
}

// ContextInfo is pushed with Done so the client can render budget usage
// without an extra request.
type ContextInfo struct {
	CurrentContextTokens int `json:"current_context_tokens"`
	MaxContextTokens     int `json:"max_context_tokens"`
}

// SessionInfo is pushed with Done to keep client-side session rows fresh.
type SessionInfo struct {
	MessageCount   int    `json:"message_count"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
}

func (MessageStart) code() int       { return CodeMessageStart }
func (ContentDelta) code() int       { return CodeMessageContent }
func (ThinkingBegin) code() int      { return CodeThinkingStart }
func (ThinkingDelta) code() int      { return CodeThinkingDelta }
func (ThinkingEnd) code() int        { return CodeThinkingComplete }
func (ToolCall) code() int           { return CodeToolCall }
func (ToolResult) code() int         { return CodeToolResult }
func (InvocationComplete) code() int { return CodeInvocationComplete }
func (TurnError) code() int          { return CodeError }
func (Info) code() int               { return 0 }
func (Done) code() int               { return CodeMessageDone }
func (TitleUpdated) code() int       { return CodeTitleUpdated }

// ClientMessage is the JSON structure for client → server WebSocket
// messages: {"type":"ping"} and {"type":"stop_generation","session_id":…}.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// controlFrame is the unenveloped server → client message shape.
type controlFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
