package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	util "github.com/parley-ai/parley/test/util"
)

// ────────────────────────────────────────────────────────────
// Integration tests against a real PostgreSQL (testcontainers)
// ────────────────────────────────────────────────────────────

type serviceSet struct {
	db          *sql.DB
	users       *UserService
	sessions    *SessionService
	messages    *MessageService
	invocations *InvocationService
}

func newServiceSet(t *testing.T) *serviceSet {
	t.Helper()
	db := util.SetupTestDatabase(t)
	return &serviceSet{
		db:          db,
		users:       NewUserService(db),
		sessions:    NewSessionService(db),
		messages:    NewMessageService(db),
		invocations: NewInvocationService(db),
	}
}

func (s *serviceSet) seedSession(t *testing.T, ctx context.Context) (*models.User, *models.ChatSession) {
	t.Helper()
	user, err := s.users.EnsureByEmail(ctx, "tester@example.com")
	require.NoError(t, err)
	sess, err := s.sessions.CreateSession(ctx, user.ID, models.CreateSessionRequest{
		Title:   "Integration",
		AIModel: "qwen3-32b",
	})
	require.NoError(t, err)
	return user, sess
}

// finalizeTurn runs the per-turn write sequence inside tx the way a real
// turn does: placeholder row, telemetry, finalize, session counters.
func (s *serviceSet) finalizeTurn(t *testing.T, ctx context.Context, tx *sql.Tx, sessionID, content string, totalTokens int) string {
	t.Helper()
	placeholder, err := s.messages.CreatePlaceholder(ctx, tx, sessionID, uuid.NewString(), "qwen3-32b")
	require.NoError(t, err)
	_, err = s.sessions.IncrementMessageCount(ctx, tx, sessionID, 1)
	require.NoError(t, err)
	require.NoError(t, s.invocations.InsertLLMInvocation(ctx, tx, &models.LLMInvocation{
		MessageID:        placeholder.MessageID,
		SessionID:        sessionID,
		SequenceNumber:   1,
		PromptTokens:     totalTokens - 10,
		CompletionTokens: 10,
		TotalTokens:      totalTokens,
		DurationMS:       500,
		ModelName:        "qwen3-32b",
		FinishReason:     "stop",
	}))
	require.NoError(t, s.messages.FinalizeAssistant(ctx, tx, FinalizeParams{
		MessageID:        placeholder.MessageID,
		Content:          content,
		Status:           models.MessageStatusCompleted,
		PromptTokens:     totalTokens - 10,
		CompletionTokens: 10,
		TotalTokens:      totalTokens,
		GenerationTime:   0.5,
		Timeline:         models.Timeline{{Type: models.TimelineContent, Content: content}},
	}))
	require.NoError(t, s.sessions.ApplyTurnUsage(ctx, tx, sessionID, totalTokens, totalTokens))
	return placeholder.MessageID
}

// runTurn is finalizeTurn wrapped in its own committed transaction.
func (s *serviceSet) runTurn(t *testing.T, ctx context.Context, sessionID, userText, assistantText string, totalTokens int) (userMsg, assistantMsg string) {
	t.Helper()
	um, err := s.messages.CreateUserMessage(ctx, sessionID, userText, "")
	require.NoError(t, err)
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	am := s.finalizeTurn(t, ctx, tx, sessionID, assistantText, totalTokens)
	require.NoError(t, tx.Commit())
	return um.MessageID, am
}

func TestTurnTransactionAtomicity(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	_, sess := svcs.seedSession(t, ctx)

	_, err := svcs.messages.CreateUserMessage(ctx, sess.SessionID, "What is the weather?", "")
	require.NoError(t, err)

	// Rolled-back turn leaves nothing behind: no placeholder, no
	// telemetry, untouched counters.
	tx, err := svcs.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	messageID := svcs.finalizeTurn(t, ctx, tx, sess.SessionID, "It is sunny.", 40)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, svcs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sess.SessionID).Scan(&count))
	assert.Equal(t, 1, count, "only the user message survives the rollback")
	invs, err := svcs.invocations.ListLLMInvocations(ctx, messageID)
	require.NoError(t, err)
	assert.Empty(t, invs)
	after, err := svcs.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.MessageCount)
	assert.Zero(t, after.TotalTokens)

	// Committed turn lands atomically.
	tx, err = svcs.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	messageID = svcs.finalizeTurn(t, ctx, tx, sess.SessionID, "It is sunny.", 40)
	require.NoError(t, tx.Commit())

	msgs, err := svcs.messages.ListMessages(ctx, sess.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "It is sunny.", msgs[1].Content)
	assert.Equal(t, models.MessageStatusCompleted, msgs[1].Status)
	invs, err = svcs.invocations.ListLLMInvocations(ctx, messageID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, 40, invs[0].TotalTokens)
	after, err = svcs.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.MessageCount)
	assert.Equal(t, 40, after.TotalTokens)
	assert.Equal(t, 40, after.CurrentContextTokens)
}

func TestFinalizeAssistantIsOneShot(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	_, sess := svcs.seedSession(t, ctx)

	placeholder, err := svcs.messages.CreatePlaceholder(ctx, svcs.db, sess.SessionID, uuid.NewString(), "qwen3-32b")
	require.NoError(t, err)

	p := FinalizeParams{
		MessageID: placeholder.MessageID,
		Content:   "done",
		Status:    models.MessageStatusCompleted,
	}
	require.NoError(t, svcs.messages.FinalizeAssistant(ctx, svcs.db, p))
	assert.ErrorIs(t, svcs.messages.FinalizeAssistant(ctx, svcs.db, p), ErrNotFound)
}

func TestSequenceUniquenessPerMessage(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	_, sess := svcs.seedSession(t, ctx)
	placeholder, err := svcs.messages.CreatePlaceholder(ctx, svcs.db, sess.SessionID, uuid.NewString(), "qwen3-32b")
	require.NoError(t, err)

	inv := &models.LLMInvocation{
		MessageID:      placeholder.MessageID,
		SessionID:      sess.SessionID,
		SequenceNumber: 1,
		ModelName:      "qwen3-32b",
		FinishReason:   "stop",
	}
	require.NoError(t, svcs.invocations.InsertLLMInvocation(ctx, svcs.db, inv))
	dup := *inv
	assert.ErrorIs(t, svcs.invocations.InsertLLMInvocation(ctx, svcs.db, &dup), ErrAlreadyExists)

	// Tool sequences are an independent series on the same message.
	toolInv := &models.ToolInvocation{
		MessageID:              placeholder.MessageID,
		SessionID:              sess.SessionID,
		SequenceNumber:         1,
		TriggeredByLLMSequence: 1,
		ToolName:               "get_weather",
		Arguments:              json.RawMessage(`{"city":"Paris"}`),
	}
	require.NoError(t, svcs.invocations.InsertToolInvocation(ctx, svcs.db, toolInv))
	require.NoError(t, svcs.invocations.CompleteToolInvocation(ctx, svcs.db,
		placeholder.MessageID, 1, ToolOutcome{
			Result:     json.RawMessage(`{"temp_c":21}`),
			Status:     models.ToolInvocationSuccess,
			DurationMS: 12,
		}))
	tools, err := svcs.invocations.ListToolInvocations(ctx, placeholder.MessageID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, models.ToolInvocationSuccess, tools[0].Status)
	assert.JSONEq(t, `{"temp_c":21}`, string(tools[0].Result))
}

func TestEditMessageCascadeInvalidatesTail(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	user, sess := svcs.seedSession(t, ctx)

	svcs.runTurn(t, ctx, sess.SessionID, "first question", "first answer", 30)
	u2, _ := svcs.runTurn(t, ctx, sess.SessionID, "second question", "second answer", 70)

	require.NoError(t, svcs.messages.EditMessage(ctx, user.ID, u2, "second question, reworded"))

	msgs, err := svcs.messages.ListMessages(ctx, sess.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "second turn is gone from the visible history")
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "first answer", msgs[1].Content)

	// The edited original is soft-deleted with the rest of the tail.
	_, err = svcs.messages.GetOwnedMessage(ctx, user.ID, u2)
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := svcs.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.MessageCount)
	assert.Equal(t, 30, after.CurrentContextTokens, "context repinned to the surviving assistant message")

	// Re-posting with the edited original as parent continues the branch.
	reposted, err := svcs.messages.CreateUserMessage(ctx, sess.SessionID, "second question, reworded", u2)
	require.NoError(t, err)
	assert.Equal(t, u2, reposted.ParentMessageID)
}

func TestEditRejectsAssistantMessages(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	user, sess := svcs.seedSession(t, ctx)
	_, am := svcs.runTurn(t, ctx, sess.SessionID, "question", "answer", 20)

	err := svcs.messages.EditMessage(ctx, user.ID, am, "rewritten answer")
	assert.True(t, IsValidationError(err))
}

func TestSummaryLifecycle(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	user, sess := svcs.seedSession(t, ctx)

	svcs.runTurn(t, ctx, sess.SessionID, "q1", "a1", 30)
	u2, _ := svcs.runTurn(t, ctx, sess.SessionID, "q2", "a2", 60)
	svcs.runTurn(t, ctx, sess.SessionID, "q3", "a3", 90)

	// Compress everything but the last two rows.
	candidates, err := svcs.messages.SummaryCandidates(ctx, sess.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 4)
	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.MessageID
	}
	summary1, err := svcs.messages.ApplySummary(ctx, sess.SessionID, "Earlier: q1/a1 and q2/a2.", ids)
	require.NoError(t, err)

	window, err := svcs.messages.WindowMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.True(t, window[0].IsSummary)
	assert.Equal(t, "q3", window[1].Content)

	// The client-visible history is untouched by compression.
	msgs, err := svcs.messages.ListMessages(ctx, sess.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 6)

	// The next summary folds the previous one in.
	svcs.runTurn(t, ctx, sess.SessionID, "q4", "a4", 120)
	candidates, err = svcs.messages.SummaryCandidates(ctx, sess.SessionID, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 3, "the q3 turn plus the old summary")
	assert.Equal(t, summary1.MessageID, candidates[2].MessageID)
	ids = ids[:0]
	for _, m := range candidates {
		ids = append(ids, m.MessageID)
	}
	_, err = svcs.messages.ApplySummary(ctx, sess.SessionID, "Earlier: q1 through q3.", ids)
	require.NoError(t, err)

	window, err = svcs.messages.WindowMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "Earlier: q1 through q3.", window[0].Content)

	// Editing a compressed message discards the summaries and restores
	// the surviving prefix for the rebuilt window.
	require.NoError(t, svcs.messages.EditMessage(ctx, user.ID, u2, "q2 reworded"))
	window, err = svcs.messages.WindowMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, window, 2, "only the first turn survives the cascade")
	assert.Equal(t, "q1", window[0].Content)
	assert.Equal(t, "a1", window[1].Content)
	var liveSummaries int
	require.NoError(t, svcs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages
		 WHERE session_id = $1 AND is_summary = TRUE AND is_deleted = FALSE`,
		sess.SessionID).Scan(&liveSummaries))
	assert.Zero(t, liveSummaries)

	after, err := svcs.sessions.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.MessageCount)
	assert.Equal(t, 30, after.CurrentContextTokens)
}

func TestListSessionsCursorPagination(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	user, err := svcs.users.EnsureByEmail(ctx, "pager@example.com")
	require.NoError(t, err)

	var ids []string
	for _, title := range []string{"oldest", "middle", "newest"} {
		sess, err := svcs.sessions.CreateSession(ctx, user.ID, models.CreateSessionRequest{
			Title:   title,
			AIModel: "qwen3-32b",
		})
		require.NoError(t, err)
		ids = append(ids, sess.SessionID)
		// Keep last_activity_at strictly ordered across rows.
		time.Sleep(5 * time.Millisecond)
	}

	page1, err := svcs.sessions.ListSessions(ctx, user.ID, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, page1.Sessions, 2)
	assert.True(t, page1.HasMore)
	assert.Equal(t, "newest", page1.Sessions[0].Title)
	assert.Equal(t, "middle", page1.Sessions[1].Title)

	cursor, err := time.Parse(time.RFC3339Nano, page1.NextCursor)
	require.NoError(t, err)
	page2, err := svcs.sessions.ListSessions(ctx, user.ID, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Sessions, 1)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "oldest", page2.Sessions[0].Title)

	// Deleted sessions fall out of every page.
	require.NoError(t, svcs.sessions.SoftDeleteSession(ctx, ids[2], user.ID))
	page1, err = svcs.sessions.ListSessions(ctx, user.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, page1.Sessions, 2)
	assert.Equal(t, "middle", page1.Sessions[0].Title)
}

func TestOwnershipIsolation(t *testing.T) {
	svcs := newServiceSet(t)
	ctx := context.Background()
	owner, sess := svcs.seedSession(t, ctx)
	um, _ := svcs.runTurn(t, ctx, sess.SessionID, "private question", "private answer", 25)

	other, err := svcs.users.EnsureByEmail(ctx, "other@example.com")
	require.NoError(t, err)
	require.NotEqual(t, owner.ID, other.ID)

	_, err = svcs.sessions.GetOwnedSession(ctx, sess.SessionID, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svcs.messages.GetOwnedMessage(ctx, other.ID, um)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svcs.messages.EditMessage(ctx, other.ID, um, "tampered"), ErrNotFound)
	assert.ErrorIs(t, svcs.sessions.SoftDeleteSession(ctx, sess.SessionID, other.ID), ErrNotFound)
}
