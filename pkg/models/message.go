package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageStatus is the lifecycle state of a message. Assistant messages are
// created pending and move to completed or error exactly once.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusCompleted MessageStatus = "completed"
	MessageStatusError     MessageStatus = "error"
)

// ChatMessage is one message within a session.
type ChatMessage struct {
	ID              int64         `json:"-"`
	MessageID       string        `json:"message_id"`
	SessionID       string        `json:"session_id"`
	ParentMessageID string        `json:"parent_message_id,omitempty"`
	Role            Role          `json:"role"`
	Content         string        `json:"content"`
	Status          MessageStatus `json:"status"`
	IsEdited        bool          `json:"is_edited"`
	IsDeleted       bool          `json:"is_deleted"`
	IsSummarized    bool          `json:"is_summarized"`
	IsSummary       bool          `json:"is_summary"`

	// Assistant-only generation metadata.
	ModelName        string   `json:"model_name,omitempty"`
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
	GenerationTime   float64  `json:"generation_time,omitempty"`
	Timeline         Timeline `json:"timeline,omitempty"`

	ErrorInfo *ErrorInfo `json:"error_info,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ErrorInfo is the structured error payload stored on failed assistant messages.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Timeline is the ordered record of what the agent did while producing one
// assistant message: thinking spans, tool calls, tool results, content spans.
type Timeline []TimelineEntry

// TimelineEntryType tags a timeline entry.
type TimelineEntryType string

const (
	TimelineThinking   TimelineEntryType = "thinking"
	TimelineToolCall   TimelineEntryType = "tool_call"
	TimelineToolResult TimelineEntryType = "tool_result"
	TimelineContent    TimelineEntryType = "content"
)

// TimelineEntry is one span in an assistant message's timeline.
// Fields are populated per type; unused fields stay empty.
type TimelineEntry struct {
	Type      TimelineEntryType `json:"type"`
	ID        string            `json:"id,omitempty"`        // thinking/tool ids
	Name      string            `json:"name,omitempty"`      // tool name
	Content   string            `json:"content,omitempty"`   // thinking or content text
	Arguments json.RawMessage   `json:"arguments,omitempty"` // tool_call args
	Result    json.RawMessage   `json:"result,omitempty"`    // tool_result payload
	IsError   bool              `json:"is_error,omitempty"`
	CacheHit  bool              `json:"cache_hit,omitempty"`
}

// CreateMessageRequest is the POST body for sending a user message.
type CreateMessageRequest struct {
	Content         string `json:"content"`
	ModelID         string `json:"model_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

// EditMessageRequest is the PATCH body for editing a user message.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessageListResponse contains messages of one session in created_at order.
type MessageListResponse struct {
	Messages []*ChatMessage `json:"messages"`
}
