package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/auth"
)

// refreshCookieName is the HttpOnly cookie carrying the refresh token.
const refreshCookieName = "refresh_token"

// refreshCookiePath scopes the cookie to the auth endpoints so it never
// rides along on ordinary API calls.
const refreshCookiePath = "/api/v1/auth"

// sendCodeHandler handles POST /api/v1/auth/send-code.
func (s *Server) sendCodeHandler(c *echo.Context) error {
	var req SendCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}

	if err := s.deps.Auth.SendCode(c.Request().Context(), req.Email); err != nil {
		return mapAuthError(err)
	}

	ttl := s.cfg.Auth.LoginCodeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return c.JSON(http.StatusOK, &SendCodeResponse{
		Message:   "login code sent",
		ExpiresIn: int(ttl.Seconds()),
	})
}

// loginHandler handles POST /api/v1/auth/login. A valid code yields an
// access token in the body and a refresh token in the cookie.
func (s *Server) loginHandler(c *echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and code are required")
	}

	tokens, err := s.deps.Auth.Login(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		return mapAuthError(err)
	}

	s.setRefreshCookie(c, tokens.RefreshToken)
	return c.JSON(http.StatusOK, &LoginResponse{
		AccessToken: tokens.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   tokens.ExpiresIn,
		User:        tokens.User,
	})
}

// refreshHandler handles POST /api/v1/auth/refresh. Rotation: the old
// refresh token dies with the access token bound to it, and a new pair
// is issued.
func (s *Server) refreshHandler(c *echo.Context) error {
	token := refreshTokenFrom(c)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "refresh token is required")
	}

	tokens, err := s.deps.Auth.Refresh(c.Request().Context(), token)
	if err != nil {
		return mapAuthError(err)
	}

	s.setRefreshCookie(c, tokens.RefreshToken)
	return c.JSON(http.StatusOK, &RefreshResponse{
		AccessToken: tokens.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   tokens.ExpiresIn,
	})
}

// logoutHandler handles POST /api/v1/auth/logout. Idempotent: succeeds
// whether or not a refresh token is present.
func (s *Server) logoutHandler(c *echo.Context) error {
	if token := refreshTokenFrom(c); token != "" {
		if err := s.deps.Auth.Logout(c.Request().Context(), token); err != nil {
			slog.Warn("Failed to revoke refresh token on logout", "error", err)
		}
	}

	s.clearRefreshCookie(c)
	return c.JSON(http.StatusOK, &LogoutResponse{Message: "logged out"})
}

// refreshTokenFrom reads the refresh token from the cookie, falling back
// to the JSON body for non-browser clients.
func refreshTokenFrom(c *echo.Context) string {
	if cookie, err := c.Request().Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return ""
	}
	return req.RefreshToken
}

func (s *Server) setRefreshCookie(c *echo.Context, token string) {
	ttl := s.cfg.Auth.RefreshTokenTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(c *echo.Context) {
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// mapAuthError maps auth service errors to HTTP error responses.
func mapAuthError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email address")
	case errors.Is(err, auth.ErrInvalidCode):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired login code")
	case errors.Is(err, auth.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired refresh token")
	case errors.Is(err, auth.ErrUserDisabled):
		return echo.NewHTTPError(http.StatusForbidden, "account is disabled")
	}

	slog.Error("Unexpected auth error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
