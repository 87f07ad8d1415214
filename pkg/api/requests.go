package api

// SendCodeRequest is the body for POST /api/v1/auth/send-code.
type SendCodeRequest struct {
	Email string `json:"email"`
}

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// RefreshRequest is the optional body for POST /api/v1/auth/refresh and
// /auth/logout; browser clients send the cookie instead.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// PreferenceRequest is the body for PUT /api/v1/users/me/preferences/:key.
type PreferenceRequest struct {
	Value string `json:"value"`
}
