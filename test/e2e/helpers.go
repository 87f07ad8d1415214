package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
)

// doJSON issues one HTTP request with an optional bearer token and JSON
// body, asserts the status, and decodes the response body if any.
func (app *TestApp) doJSON(t *testing.T, method, path, token string, body any, wantStatus int) map[string]any {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, app.BaseURL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode,
		"%s %s returned unexpected status: %s", method, path, string(data))

	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), "response was not JSON: %s", string(data))
	return out
}

// Login runs the passwordless flow end to end: request a code, read it
// back from the capturing sender, exchange it for an access token.
func (app *TestApp) Login(t *testing.T, email string) string {
	t.Helper()

	app.doJSON(t, http.MethodPost, "/api/v1/auth/send-code", "",
		map[string]string{"email": email}, http.StatusOK)

	code := app.Sender.Code(email)
	require.NotEmpty(t, code, "no login code captured for %s", email)

	resp := app.doJSON(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": email, "code": code}, http.StatusOK)

	token, _ := resp["access_token"].(string)
	require.NotEmpty(t, token, "login response missing access_token")
	return token
}

// CreateSession creates a session with an explicit title. Titled sessions
// never trigger the title generator, which keeps LLM scripts one entry
// per turn.
func (app *TestApp) CreateSession(t *testing.T, token, title string) string {
	t.Helper()

	resp := app.doJSON(t, http.MethodPost, "/api/v1/chat/sessions", token,
		map[string]string{"title": title, "ai_model": testModel}, http.StatusCreated)

	sessionID, _ := resp["session_id"].(string)
	require.NotEmpty(t, sessionID, "create session response missing session_id")
	return sessionID
}

// CreateUntitledSession creates a session without a title, so the first
// exchange schedules title generation.
func (app *TestApp) CreateUntitledSession(t *testing.T, token string) string {
	t.Helper()

	resp := app.doJSON(t, http.MethodPost, "/api/v1/chat/sessions", token,
		map[string]string{"ai_model": testModel}, http.StatusCreated)

	sessionID, _ := resp["session_id"].(string)
	require.NotEmpty(t, sessionID, "create session response missing session_id")
	return sessionID
}

// SendMessage posts a user message and returns its message_id. The
// assistant reply streams over the WebSocket, not this response.
func (app *TestApp) SendMessage(t *testing.T, token, sessionID, content string) string {
	t.Helper()
	return app.sendMessage(t, token, sessionID, content, "")
}

// SendMessageWithParent posts a user message referencing the edited
// message it replaces.
func (app *TestApp) SendMessageWithParent(t *testing.T, token, sessionID, content, parentID string) string {
	t.Helper()
	return app.sendMessage(t, token, sessionID, content, parentID)
}

func (app *TestApp) sendMessage(t *testing.T, token, sessionID, content, parentID string) string {
	t.Helper()

	body := map[string]string{"content": content}
	if parentID != "" {
		body["parent_message_id"] = parentID
	}
	resp := app.doJSON(t, http.MethodPost,
		"/api/v1/chat/sessions/"+sessionID+"/messages", token, body, http.StatusCreated)

	messageID, _ := resp["message_id"].(string)
	require.NotEmpty(t, resp["message_id"], "send message response missing message_id")
	return messageID
}

// EditMessage patches a user message, soft-deleting it and everything
// after it in the session.
func (app *TestApp) EditMessage(t *testing.T, token, messageID, content string) {
	t.Helper()
	app.doJSON(t, http.MethodPatch, "/api/v1/messages/"+messageID, token,
		map[string]string{"content": content}, http.StatusNoContent)
}

// SessionMessages reads the session's live messages straight from the
// service layer, soft-deleted rows excluded.
func (app *TestApp) SessionMessages(t *testing.T, sessionID string) []*models.ChatMessage {
	t.Helper()
	msgs, err := app.Messages.ListMessages(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return msgs
}

// LastAssistantMessage returns the newest assistant row of the session.
func (app *TestApp) LastAssistantMessage(t *testing.T, sessionID string) *models.ChatMessage {
	t.Helper()
	msgs := app.SessionMessages(t, sessionID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i]
		}
	}
	t.Fatalf("no assistant message in session %s (%d messages)", sessionID, len(msgs))
	return nil
}

// GetSession reloads the session row.
func (app *TestApp) GetSession(t *testing.T, sessionID string) *models.ChatSession {
	t.Helper()
	session, err := app.Sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return session
}

// WaitForSession polls the session row until the predicate holds. Some
// updates land after the terminal WebSocket frame, e.g. title generation.
func (app *TestApp) WaitForSession(t *testing.T, sessionID string, pred func(*models.ChatSession) bool, timeout time.Duration) *models.ChatSession {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		session, err := app.Sessions.GetSession(context.Background(), sessionID)
		require.NoError(t, err)
		if pred(session) {
			return session
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached expected state: %+v", sessionID, session)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// uniqueEmail derives a fresh address so tests never collide on the
// users table, which is shared within one harness.
func uniqueEmail(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("u-%s@example.test", uuid.NewString()[:8])
}
