package e2e

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

const summaryPrefix = "Summary of the earlier conversation: "

// seedExchange writes one completed user/assistant pair straight through
// the services, the way a finished turn would have left it.
func seedExchange(t *testing.T, app *TestApp, sessionID, question, answer string) {
	t.Helper()
	ctx := context.Background()

	_, err := app.Messages.CreateUserMessage(ctx, sessionID, question, "")
	require.NoError(t, err)

	msgID := uuid.NewString()
	_, err = app.Messages.CreatePlaceholder(ctx, app.DBClient.DB(), sessionID, msgID, testModel)
	require.NoError(t, err)
	err = app.Messages.FinalizeAssistant(ctx, app.DBClient.DB(), services.FinalizeParams{
		MessageID:        msgID,
		Content:          answer,
		Status:           models.MessageStatusCompleted,
		PromptTokens:     3960,
		CompletionTokens: 40,
		TotalTokens:      4000,
		GenerationTime:   0.4,
	})
	require.NoError(t, err)
	_, err = app.Sessions.IncrementMessageCount(ctx, app.DBClient.DB(), sessionID, 1)
	require.NoError(t, err)
}

// seedPressuredSession builds a titled session with six finished exchanges
// and a context counter just past the compression threshold of the 32768
// context model (0.9 * 32768 = 29491).
func seedPressuredSession(t *testing.T, app *TestApp, token string) string {
	t.Helper()
	sessionID := app.CreateSession(t, token, "Long running chat")
	for _, pair := range [][2]string{
		{"question 1", "answer 1"},
		{"question 2", "answer 2"},
		{"question 3", "answer 3"},
		{"question 4", "answer 4"},
		{"question 5", "answer 5"},
		{"question 6", "answer 6"},
	} {
		seedExchange(t, app, sessionID, pair[0], pair[1])
	}
	err := app.Sessions.ApplyTurnUsage(context.Background(), app.DBClient.DB(), sessionID, 0, 29500)
	require.NoError(t, err)
	return sessionID
}

func TestSummarizationCompressesHistory(t *testing.T) {
	app := NewTestApp(t)
	// The summarizer runs before the turn's model call, so it consumes the
	// first script entry.
	summaryText := "The user asked six numbered questions and the assistant answered each in turn."
	app.LLM.
		AddText(summaryText, 2000, 60).
		AddText("Plenty of room to continue.", 900, 12)

	token := app.Login(t, uniqueEmail(t))
	sessionID := seedPressuredSession(t, app, token)
	ws := app.WSConnect(t, token)

	app.SendMessage(t, token, sessionID, "one more question")

	done, err := ws.WaitForType(events.CodeMessageDone, turnWait)
	require.NoError(t, err)
	assert.Equal(t, float64(events.StatusCompleted), done.Number("status"))

	// Compression is invisible on the wire; the turn streams as usual.
	require.Equal(t, []int{
		events.CodeMessageStart,
		events.CodeMessageContent,
		events.CodeInvocationComplete,
		events.CodeMessageDone,
	}, envelopeCodes(ws))

	// The context counter repins to the fresh reply's total, down from 29500.
	ctxInfo, ok := done.Data["context_info"].(map[string]any)
	require.True(t, ok, "done frame missing context_info")
	assert.Equal(t, float64(912), ctxInfo["current_context_tokens"])
	assert.Equal(t, float64(32768), ctxInfo["max_context_tokens"])
	sessInfo, ok := done.Data["session_info"].(map[string]any)
	require.True(t, ok, "done frame missing session_info")
	assert.Equal(t, float64(14), sessInfo["message_count"])

	require.Equal(t, 2, app.LLM.CallCount())

	// First call is the summarizer: one user message holding the prompt and
	// the transcript of everything older than the kept tail. The new user
	// message is part of that tail, so the fold stops at answer 4.
	sum := app.LLM.Input(0)
	require.Len(t, sum.Messages, 1)
	assert.Equal(t, string(models.RoleUser), sum.Messages[0].Role)
	assert.Contains(t, sum.Messages[0].Content, "Summarize the following conversation in at most 200 words")
	assert.Contains(t, sum.Messages[0].Content, "user: question 1")
	assert.Contains(t, sum.Messages[0].Content, "assistant: answer 4")
	assert.NotContains(t, sum.Messages[0].Content, "question 5")
	assert.NotContains(t, sum.Messages[0].Content, "one more question")
	assert.Equal(t, 0.3, sum.Options.Temperature)
	assert.Equal(t, 512, sum.Options.MaxTokens)

	// Second call is the turn over the compressed window: system prompt,
	// summary, the five kept messages with the new user text last.
	turn := app.LLM.Input(1)
	require.Len(t, turn.Messages, 7)
	assert.Equal(t, string(models.RoleSystem), turn.Messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", turn.Messages[0].Content)
	assert.Equal(t, string(models.RoleSystem), turn.Messages[1].Role)
	assert.Equal(t, summaryPrefix+summaryText, turn.Messages[1].Content)
	assert.Equal(t, "question 5", turn.Messages[2].Content)
	assert.Equal(t, "answer 5", turn.Messages[3].Content)
	assert.Equal(t, "question 6", turn.Messages[4].Content)
	assert.Equal(t, "answer 6", turn.Messages[5].Content)
	assert.Equal(t, string(models.RoleUser), turn.Messages[6].Role)
	assert.Equal(t, "one more question", turn.Messages[6].Content)

	// Folded rows stay listed for history but are flagged; the summary row
	// itself is hidden from listings and leads the next window instead.
	msgs := app.SessionMessages(t, sessionID)
	require.Len(t, msgs, 14)
	summarized := 0
	for _, m := range msgs {
		if m.IsSummarized {
			summarized++
		}
	}
	assert.Equal(t, 8, summarized)
	assert.True(t, msgs[0].IsSummarized, "question 1 folded")
	assert.True(t, msgs[7].IsSummarized, "answer 4 folded")
	assert.False(t, msgs[8].IsSummarized, "question 5 kept")
	assert.False(t, msgs[13].IsSummarized, "fresh reply kept")

	window, err := app.Messages.WindowMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, window, 7)
	assert.True(t, window[0].IsSummary)
	assert.Equal(t, models.RoleSystem, window[0].Role)
	assert.Equal(t, summaryPrefix+summaryText, window[0].Content)
	assert.Equal(t, "question 5", window[1].Content)

	session := app.GetSession(t, sessionID)
	assert.Equal(t, 912, session.CurrentContextTokens)
	assert.Equal(t, 912, session.TotalTokens, "only the turn's spend accumulates")
	assert.Equal(t, 14, session.MessageCount)
}

func TestSummarizationFailureFallsBackToFullWindow(t *testing.T) {
	app := NewTestApp(t)
	// Entry 0 fails the summarizer; the session is over the threshold but
	// under the hard limit, so the turn proceeds uncompressed on entry 1.
	app.LLM.
		Add(ScriptEntry{Err: errors.New("model briefly unavailable")}).
		AddText("Answered without compressing.", 29600, 20)

	token := app.Login(t, uniqueEmail(t))
	sessionID := seedPressuredSession(t, app, token)
	ws := app.WSConnect(t, token)

	app.SendMessage(t, token, sessionID, "one more question")

	done, err := ws.WaitForType(events.CodeMessageDone, turnWait)
	require.NoError(t, err)
	assert.Equal(t, float64(events.StatusCompleted), done.Number("status"))
	assert.Empty(t, ws.EnvelopesByType(events.CodeError))

	require.Equal(t, 2, app.LLM.CallCount())
	turn := app.LLM.LastInput()
	require.Len(t, turn.Messages, 14)
	assert.Equal(t, string(models.RoleSystem), turn.Messages[0].Role)
	assert.Equal(t, "question 1", turn.Messages[1].Content)
	assert.Equal(t, "one more question", turn.Messages[13].Content)
	for _, m := range turn.Messages {
		assert.False(t, strings.HasPrefix(m.Content, summaryPrefix))
	}

	// Nothing was folded.
	for _, m := range app.SessionMessages(t, sessionID) {
		assert.False(t, m.IsSummarized)
	}
	window, err := app.Messages.WindowMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, window, 14)
	assert.False(t, window[0].IsSummary)
}
