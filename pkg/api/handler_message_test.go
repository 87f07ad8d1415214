package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/parley-ai/parley/pkg/auth"
)

// newMessageApp routes the message handlers through a full echo instance
// so path params resolve, with a stub identity standing in for requireAuth.
func newMessageApp(s *Server) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			c.Set(identityKey, &auth.Identity{UserID: 7, Email: "user@example.com", Role: "user"})
			return next(c)
		}
	})
	e.POST("/api/v1/chat/sessions/:id/messages", s.sendMessageHandler)
	e.PATCH("/api/v1/messages/:id", s.editMessageHandler)
	return e
}

func TestSendMessageHandler_Validation(t *testing.T) {
	s := &Server{}

	t.Run("missing session id", func(t *testing.T) {
		e := echo.New()
		req := postJSON("/api/v1/chat/sessions//messages", `{"content":"hi"}`)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := s.sendMessageHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok, "expected echo.HTTPError") {
				assert.Equal(t, http.StatusBadRequest, he.Code)
				assert.Contains(t, he.Message, "session id")
			}
		}
	})

	t.Run("empty content", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newMessageApp(s).ServeHTTP(rec, postJSON("/api/v1/chat/sessions/sess-1/messages", `{"content":""}`))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "content is required")
	})

	t.Run("content too long", func(t *testing.T) {
		body := `{"content":"` + strings.Repeat("a", maxMessageContentLength+1) + `"}`
		rec := httptest.NewRecorder()
		newMessageApp(s).ServeHTTP(rec, postJSON("/api/v1/chat/sessions/sess-1/messages", body))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "maximum length")
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newMessageApp(s).ServeHTTP(rec, postJSON("/api/v1/chat/sessions/sess-1/messages", `{"content":`))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEditMessageHandler_Validation(t *testing.T) {
	s := &Server{}

	t.Run("missing message id", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/messages/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := s.editMessageHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
				assert.Contains(t, he.Message, "message id")
			}
		}
	})

	t.Run("empty content", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/messages/msg-1", strings.NewReader(`{"content":""}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		newMessageApp(s).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "content is required")
	})
}

func TestDeleteMessageHandler_Validation(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/messages/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.deleteMessageHandler(c)
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok) {
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, "message id")
		}
	}
}
