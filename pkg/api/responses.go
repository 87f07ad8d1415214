package api

import (
	"github.com/parley-ai/parley/pkg/models"
)

// SendCodeResponse acknowledges a login code delivery.
type SendCodeResponse struct {
	Message   string `json:"message"`
	ExpiresIn int    `json:"expires_in"`
}

// LoginResponse is returned by POST /api/v1/auth/login. The refresh
// token itself travels only in the HttpOnly cookie.
type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int          `json:"expires_in"`
	User        *models.User `json:"user"`
}

// RefreshResponse is returned by POST /api/v1/auth/refresh.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// LogoutResponse acknowledges a logout.
type LogoutResponse struct {
	Message string `json:"message"`
}

// PreferenceResponse is one user preference entry.
type PreferenceResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HealthCheck is one component's probe result inside HealthResponse.
type HealthCheck struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	ActiveTurns int    `json:"active_turns,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
