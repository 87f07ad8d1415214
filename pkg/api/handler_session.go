package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/models"
)

// createSessionHandler handles POST /api/v1/chat/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	session, err := s.deps.Sessions.CreateSession(c.Request().Context(), id.UserID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, session)
}

// listSessionsHandler handles GET /api/v1/chat/sessions. Pages are keyed
// by last_activity_at descending; the cursor is the next_cursor value of
// the previous page.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var cursor time.Time
	if v := c.QueryParam("cursor"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor: must be RFC3339")
		}
		cursor = t
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	result, err := s.deps.Sessions.ListSessions(c.Request().Context(), id.UserID, cursor, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if result.Sessions == nil {
		result.Sessions = []*models.ChatSession{}
	}

	return c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /api/v1/chat/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	session, err := s.deps.Sessions.GetOwnedSession(c.Request().Context(), sessionID, id.UserID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, session)
}

// updateSessionHandler handles PATCH /api/v1/chat/sessions/:id.
func (s *Server) updateSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req models.UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	session, err := s.deps.Sessions.UpdateSession(c.Request().Context(), sessionID, id.UserID, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, session)
}

// deleteSessionHandler handles DELETE /api/v1/chat/sessions/:id. Soft
// delete: the row stays for audit, the API stops serving it.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	if err := s.deps.Sessions.SoftDeleteSession(c.Request().Context(), sessionID, id.UserID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}
