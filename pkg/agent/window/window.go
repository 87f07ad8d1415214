// Package window implements the context budget policy for turns: prompt
// window assembly, pressure detection against the model's context length,
// and the single-flight history summarizer that keeps long sessions inside
// budget.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/singleflight"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/agent/stream"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

const (
	// summarizeThreshold is the fraction of the model's context length at
	// which history gets compressed before the next call.
	summarizeThreshold = 0.9

	// keepRecentMessages is how many trailing messages stay verbatim when
	// the older history is folded into a summary.
	keepRecentMessages = 5

	summaryWordLimit   = 200
	summaryMaxTokens   = 512
	summaryTemperature = 0.3

	summaryCacheTTL = 2 * time.Hour
)

const summaryPrompt = `Summarize the following conversation in at most %d words. Capture the topics discussed, the conclusions reached and any facts worth keeping, so the conversation can continue from the summary alone.

%s

Summary:`

// OverflowError reports a session that exceeded its model's context length
// after summarization could not shrink it. Turns that hit this must not
// reach the model.
type OverflowError struct {
	ContextTokens    int
	MaxContextLength int
	Err              error
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("context window exceeded: %d tokens over a %d limit", e.ContextTokens, e.MaxContextLength)
}

func (e *OverflowError) Unwrap() error { return e.Err }

// Manager owns the prompt window for turns. One instance serves all
// sessions; the summarizer is single-flight per session id.
type Manager struct {
	messages *services.MessageService
	llm      agent.LLMClient
	cache    *kvstore.Store // nil disables summary caching
	logger   *slog.Logger

	group singleflight.Group

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewManager creates a window manager. cache may be nil; summaries are
// then served from the relational rows alone.
func NewManager(messages *services.MessageService, llm agent.LLMClient, cache *kvstore.Store) *Manager {
	return &Manager{
		messages: messages,
		llm:      llm,
		cache:    cache,
		logger:   slog.With("component", "window"),
	}
}

// PrepareTurn returns the prompt window for one turn, compressing history
// first when the session is under context pressure. excludeMessageID names
// a row to leave out, normally the turn's own user message, which the
// caller appends itself; pass "" to exclude nothing. A failed compression
// on a session already past its hard limit surfaces as *OverflowError and
// the caller must not invoke the model.
func (m *Manager) PrepareTurn(ctx context.Context, session *models.ChatSession, model *models.AIModel, excludeMessageID string) ([]agent.ConversationMessage, error) {
	if m.ShouldSummarize(session, model) {
		if _, err := m.Summarize(ctx, session, model); err != nil {
			if session.CurrentContextTokens >= model.MaxContextLength {
				return nil, &OverflowError{
					ContextTokens:    session.CurrentContextTokens,
					MaxContextLength: model.MaxContextLength,
					Err:              err,
				}
			}
			m.logger.Warn("Summarization failed, continuing with uncompressed window",
				"session_id", session.SessionID, "error", err)
		}
	}
	return m.BuildWindow(ctx, session, excludeMessageID)
}

// BuildWindow assembles the conversation sent to the model: the session's
// system prompt, the latest summary if one exists, then every live
// non-summarized message in created_at order. In-flight placeholders never
// appear, nor does the row named by excludeMessageID.
func (m *Manager) BuildWindow(ctx context.Context, session *models.ChatSession, excludeMessageID string) ([]agent.ConversationMessage, error) {
	rows, err := m.messages.WindowMessages(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}

	window := make([]agent.ConversationMessage, 0, len(rows)+1)
	if session.SystemPrompt != "" {
		window = append(window, agent.ConversationMessage{
			Role:    string(models.RoleSystem),
			Content: session.SystemPrompt,
		})
	}
	for _, row := range rows {
		if excludeMessageID != "" && row.MessageID == excludeMessageID {
			continue
		}
		window = append(window, agent.ConversationMessage{
			Role:    string(row.Role),
			Content: row.Content,
		})
	}

	if m.logger.Enabled(ctx, slog.LevelDebug) {
		total := 0
		for _, msg := range window {
			total += m.EstimateTokens(msg.Content)
		}
		m.logger.Debug("Prompt window assembled",
			"session_id", session.SessionID, "messages", len(window), "estimated_tokens", total)
	}
	return window, nil
}

// ShouldSummarize reports whether the session's context size has crossed
// the compression threshold for its model.
func (m *Manager) ShouldSummarize(session *models.ChatSession, model *models.AIModel) bool {
	return float64(session.CurrentContextTokens) >= summarizeThreshold*float64(model.MaxContextLength)
}

// Summarize folds every live message older than the most recent
// keepRecentMessages into one summary row, superseded summaries included.
// Concurrent calls for one session share a single flight; the loser gets
// the winner's result. Returns (nil, nil) when there is nothing to
// compress.
func (m *Manager) Summarize(ctx context.Context, session *models.ChatSession, model *models.AIModel) (*models.ChatMessage, error) {
	v, err, _ := m.group.Do(session.SessionID, func() (any, error) {
		return m.summarize(ctx, session, model)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*models.ChatMessage), nil
}

func (m *Manager) summarize(ctx context.Context, session *models.ChatSession, model *models.AIModel) (*models.ChatMessage, error) {
	// A cached entry means this session was compressed within the TTL and
	// no turn has finalized since (finalize clears it). The stale counter
	// that triggered us would only produce a near-empty re-summary.
	if m.cache != nil {
		if cached, err := m.cache.GetSessionSummary(ctx, session.SessionID); err == nil && cached != "" {
			m.logger.Debug("Recent summary cached, skipping regeneration", "session_id", session.SessionID)
			return nil, nil
		}
	}

	candidates, err := m.messages.SummaryCandidates(ctx, session.SessionID, keepRecentMessages)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		m.logger.Debug("Too little history to summarize", "session_id", session.SessionID)
		return nil, nil
	}

	var transcript strings.Builder
	sourceIDs := make([]string, len(candidates))
	for i, msg := range candidates {
		if i > 0 {
			transcript.WriteString("\n\n")
		}
		fmt.Fprintf(&transcript, "%s: %s", msg.Role, msg.Content)
		sourceIDs[i] = msg.MessageID
	}

	completion, err := agent.Complete(ctx, m.llm, &agent.GenerateInput{
		SessionID: session.SessionID,
		Model:     model.Name,
		Messages: []agent.ConversationMessage{{
			Role:    string(models.RoleUser),
			Content: fmt.Sprintf(summaryPrompt, summaryWordLimit, transcript.String()),
		}},
		Options: agent.ModelOptions{
			Temperature: summaryTemperature,
			MaxTokens:   summaryMaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary generation failed: %w", err)
	}

	text := stream.StripThinking(completion.Text)
	if text == "" {
		return nil, fmt.Errorf("summary generation returned no content")
	}
	content := "Summary of the earlier conversation: " + text

	summary, err := m.messages.ApplySummary(ctx, session.SessionID, content, sourceIDs)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session history summarized",
		"session_id", session.SessionID, "compressed_messages", len(sourceIDs))

	if m.cache != nil {
		if err := m.cache.SetSessionSummary(ctx, session.SessionID, text, summaryCacheTTL); err != nil {
			m.logger.Warn("Failed to cache summary", "session_id", session.SessionID, "error", err)
		}
	}
	return summary, nil
}

// RecomputeContextTokens returns the session's context size after a turn:
// the total_tokens of its latest finalized assistant message, or 0. Runs
// on the turn's transaction so the just-finalized placeholder counts.
func (m *Manager) RecomputeContextTokens(ctx context.Context, q services.Querier, sessionID string) (int, error) {
	return m.messages.LatestAssistantTotalTokens(ctx, q, sessionID)
}

// EditMessage rewrites a user message, invalidates everything after it and
// drops any summary state that referenced the invalidated rows, cached
// copy included.
func (m *Manager) EditMessage(ctx context.Context, userID int64, messageID, newContent string) error {
	msg, err := m.messages.GetOwnedMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := m.messages.EditMessage(ctx, userID, messageID, newContent); err != nil {
		return err
	}
	m.dropCachedSummary(ctx, msg.SessionID)
	return nil
}

// DeleteMessage soft-deletes a message and drops any cached summary that
// may have covered it.
func (m *Manager) DeleteMessage(ctx context.Context, userID int64, messageID string) error {
	msg, err := m.messages.GetOwnedMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := m.messages.SoftDeleteMessage(ctx, userID, messageID); err != nil {
		return err
	}
	m.dropCachedSummary(ctx, msg.SessionID)
	return nil
}

func (m *Manager) dropCachedSummary(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.ClearSessionSummary(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to drop cached summary", "session_id", sessionID, "error", err)
	}
}

// EstimateTokens gives an advisory token count for text. The budget
// decisions above never depend on it; it feeds logs and pre-flight sizing
// only. Falls back to a bytes/4 heuristic when the encoder is unavailable.
func (m *Manager) EstimateTokens(text string) int {
	m.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			m.logger.Warn("Token encoder unavailable, using byte heuristic", "error", err)
			return
		}
		m.enc = enc
	})
	if m.enc == nil {
		return len(text) / 4
	}
	return len(m.enc.Encode(text, nil, nil))
}
