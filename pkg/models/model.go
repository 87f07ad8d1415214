package models

import "time"

// AIModel is a catalog entry for an inference backend. Read-only to the
// agent; rows are managed by migrations or an external admin surface.
type AIModel struct {
	ID                int64     `json:"-"`
	Name              string    `json:"name"`
	DisplayName       string    `json:"display_name"`
	Provider          string    `json:"provider"`
	BaseURL           string    `json:"-"`
	MaxContextLength  int       `json:"max_context_length"`
	SupportsStreaming bool      `json:"supports_streaming"`
	SupportsTools     bool      `json:"supports_tools"`
	IsEnabled         bool      `json:"is_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// ModelListResponse contains the enabled model catalog.
type ModelListResponse struct {
	Models []*AIModel `json:"models"`
}
