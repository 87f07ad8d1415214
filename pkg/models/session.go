package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusDeleted SessionStatus = "deleted"
)

// ChatSession is one conversation owned by a user.
type ChatSession struct {
	ID                   int64         `json:"-"`
	SessionID            string        `json:"session_id"`
	UserID               int64         `json:"user_id"`
	Title                string        `json:"title"`
	Status               SessionStatus `json:"status"`
	AIModel              string        `json:"ai_model"`
	Temperature          float64       `json:"temperature"`
	MaxTokens            int           `json:"max_tokens"`
	SystemPrompt         string        `json:"system_prompt,omitempty"`
	MessageCount         int           `json:"message_count"`
	TotalTokens          int           `json:"total_tokens"`
	CurrentContextTokens int           `json:"current_context_tokens"`
	LastActivityAt       time.Time     `json:"last_activity_at"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// CreateSessionRequest contains fields for creating a new chat session.
type CreateSessionRequest struct {
	Title        string   `json:"title,omitempty"`
	AIModel      string   `json:"ai_model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// UpdateSessionRequest contains the mutable session fields for PATCH.
// Nil pointers mean "leave unchanged".
type UpdateSessionRequest struct {
	Title        *string  `json:"title,omitempty"`
	AIModel      *string  `json:"ai_model,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

// SessionListResponse contains one page of sessions ordered by
// last_activity_at descending. NextCursor is the last_activity_at of the
// final entry, echoed back by the client to fetch the next page.
type SessionListResponse struct {
	Sessions   []*ChatSession `json:"sessions"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
