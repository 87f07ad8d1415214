package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// allowedPreferenceKeys are the per-user settings the API will store.
// system_prompt feeds directly into prompt assembly for every turn.
var allowedPreferenceKeys = map[string]bool{
	"system_prompt": true,
	"theme":         true,
	"language":      true,
}

// maxPreferenceValueLength caps a stored preference value.
const maxPreferenceValueLength = 10_000

// getPreferenceHandler handles GET /api/v1/users/me/preferences/:key.
func (s *Server) getPreferenceHandler(c *echo.Context) error {
	key := c.Param("key")
	if !allowedPreferenceKeys[key] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown preference key")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	value, err := s.deps.KV.GetUserPref(c.Request().Context(), id.UserID, key)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &PreferenceResponse{Key: key, Value: value})
}

// putPreferenceHandler handles PUT /api/v1/users/me/preferences/:key.
func (s *Server) putPreferenceHandler(c *echo.Context) error {
	key := c.Param("key")
	if !allowedPreferenceKeys[key] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown preference key")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req PreferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Value) > maxPreferenceValueLength {
		return echo.NewHTTPError(http.StatusBadRequest, "preference value exceeds maximum length of 10,000 characters")
	}

	ttl := s.cfg.Store.UserPrefTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.deps.KV.SetUserPref(c.Request().Context(), id.UserID, key, req.Value, ttl); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &PreferenceResponse{Key: key, Value: req.Value})
}
