package models

import (
	"encoding/json"
	"time"
)

// LLMInvocation records one outbound LLM call made while producing an
// assistant message. Rows are insert-only; sequence numbers start at 1 and
// are unique per message.
type LLMInvocation struct {
	ID               int64     `json:"-"`
	MessageID        string    `json:"message_id"`
	SessionID        string    `json:"session_id"`
	SequenceNumber   int       `json:"sequence_number"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	ModelName        string    `json:"model_name"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ToolInvocationStatus is the lifecycle state of a tool dispatch.
type ToolInvocationStatus string

const (
	ToolInvocationPending ToolInvocationStatus = "pending"
	ToolInvocationSuccess ToolInvocationStatus = "success"
	ToolInvocationError   ToolInvocationStatus = "error"
)

// ToolInvocation records one tool dispatch. Inserted pending at dispatch,
// updated exactly once to success/error. Sequence numbers start at 1 and are
// unique per message, independent of the LLM sequence.
type ToolInvocation struct {
	ID                    int64                `json:"-"`
	MessageID             string               `json:"message_id"`
	SessionID             string               `json:"session_id"`
	SequenceNumber        int                  `json:"sequence_number"`
	TriggeredByLLMSequence int                 `json:"triggered_by_llm_sequence"`
	ToolName              string               `json:"tool_name"`
	Arguments             json.RawMessage      `json:"arguments,omitempty"`
	Result                json.RawMessage      `json:"result,omitempty"`
	Status                ToolInvocationStatus `json:"status"`
	CacheHit              bool                 `json:"cache_hit"`
	ErrorMessage          string               `json:"error_message,omitempty"`
	DurationMS            int64                `json:"duration_ms"`
	CreatedAt             time.Time            `json:"created_at"`
}
