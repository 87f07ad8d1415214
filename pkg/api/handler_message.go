package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/agent/controller"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/queue"
)

// maxMessageContentLength caps a single user message body.
const maxMessageContentLength = 100_000

// sendMessageHandler handles POST /api/v1/chat/sessions/:id/messages.
// Persists the user message, submits the turn for async generation, and
// returns the stored message; the assistant reply streams over /ws/chat.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	// 1. Validate session id and caller
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	// 2. Bind and validate the body
	var req models.CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Content) > maxMessageContentLength {
		return echo.NewHTTPError(http.StatusBadRequest, "content exceeds maximum length of 100,000 characters")
	}

	// 3. The session must exist and belong to the caller
	session, err := s.deps.Sessions.GetOwnedSession(c.Request().Context(), sessionID, id.UserID)
	if err != nil {
		return mapServiceError(err)
	}

	// 4. Persist the user message
	msg, err := s.deps.Messages.CreateUserMessage(c.Request().Context(), session.SessionID, req.Content, req.ParentMessageID)
	if err != nil {
		return mapServiceError(err)
	}

	// 5. Submit the turn; the executor owns it from here
	_, err = s.deps.Executor.Submit(controller.TurnRequest{
		SessionID:     session.SessionID,
		UserID:        id.UserID,
		UserMessageID: msg.MessageID,
		Content:       req.Content,
		ModelName:     req.ModelID,
	})
	if err != nil {
		if errors.Is(err, queue.ErrShuttingDown) {
			// Remove the orphaned user message so a retry starts clean.
			if delErr := s.deps.Messages.SoftDeleteMessage(c.Request().Context(), id.UserID, msg.MessageID); delErr != nil {
				slog.Warn("Failed to clean up rejected message",
					"message_id", msg.MessageID, "error", delErr)
			}
			return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down")
		}
		return mapServiceError(err)
	}

	// 6. Return the stored user message
	return c.JSON(http.StatusCreated, msg)
}

// listMessagesHandler handles GET /api/v1/chat/sessions/:id/messages.
// Returns the newest messages of the session in chronological order.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	// Ownership check before serving history.
	if _, err := s.deps.Sessions.GetOwnedSession(c.Request().Context(), sessionID, id.UserID); err != nil {
		return mapServiceError(err)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.deps.Messages.ListMessages(c.Request().Context(), sessionID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}

	return c.JSON(http.StatusOK, &models.MessageListResponse{Messages: msgs})
}

// editMessageHandler handles PATCH /api/v1/messages/:id. Editing
// soft-deletes the original and everything after it; the client then
// POSTs a fresh message to regenerate.
func (s *Server) editMessageHandler(c *echo.Context) error {
	messageID := c.Param("id")
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var req models.EditMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Content) > maxMessageContentLength {
		return echo.NewHTTPError(http.StatusBadRequest, "content exceeds maximum length of 100,000 characters")
	}

	// The window manager owns the edit so summary state tied to the
	// invalidated rows is dropped with it.
	if err := s.deps.Window.EditMessage(c.Request().Context(), id.UserID, messageID, req.Content); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// deleteMessageHandler handles DELETE /api/v1/messages/:id.
func (s *Server) deleteMessageHandler(c *echo.Context) error {
	messageID := c.Param("id")
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	id, ok := identityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	if err := s.deps.Window.DeleteMessage(c.Request().Context(), id.UserID, messageID); err != nil {
		return mapServiceError(err)
	}

	return c.NoContent(http.StatusNoContent)
}
