package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
)

const (
	defaultMessagePageSize = 100
	maxMessagePageSize     = 500
)

const messageColumns = `id, message_id, session_id, COALESCE(parent_message_id, ''), role, content,
	status, is_edited, is_deleted, is_summarized, is_summary, model_name,
	prompt_tokens, completion_tokens, total_tokens, generation_time,
	structured_content, error_info, created_at`

// structuredContent is the JSONB payload stored on assistant messages.
type structuredContent struct {
	Timeline models.Timeline `json:"timeline"`
}

// MessageService manages chat messages
type MessageService struct {
	db *sql.DB
}

// NewMessageService creates a new MessageService
func NewMessageService(db *sql.DB) *MessageService {
	return &MessageService{db: db}
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var (
		m          models.ChatMessage
		structured []byte
		errorInfo  []byte
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.SessionID, &m.ParentMessageID, &m.Role, &m.Content,
		&m.Status, &m.IsEdited, &m.IsDeleted, &m.IsSummarized, &m.IsSummary, &m.ModelName,
		&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.GenerationTime,
		&structured, &errorInfo, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(structured) > 0 {
		var payload structuredContent
		if err := json.Unmarshal(structured, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode structured_content: %w", err)
		}
		m.Timeline = payload.Timeline
	}
	if len(errorInfo) > 0 {
		var info models.ErrorInfo
		if err := json.Unmarshal(errorInfo, &info); err != nil {
			return nil, fmt.Errorf("failed to decode error_info: %w", err)
		}
		m.ErrorInfo = &info
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*models.ChatMessage, error) {
	defer rows.Close()
	var msgs []*models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}

// CreateUserMessage stores the user's message and bumps the session
// counters in one transaction. parentMessageID links a re-posted turn to
// the edited original and may be empty.
func (s *MessageService) CreateUserMessage(ctx context.Context, sessionID, content, parentMessageID string) (*models.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("content", "required")
	}

	var msg *models.ChatMessage
	err := runInTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO chat_messages (message_id, session_id, parent_message_id, role, content, status)
			VALUES ($1, $2, NULLIF($3, ''), 'user', $4, 'completed')
			RETURNING `+messageColumns,
			uuid.NewString(), sessionID, parentMessageID, content)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("failed to create user message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions
			SET message_count = message_count + 1, last_activity_at = now(), updated_at = now()
			WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to update session counters: %w", err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CreatePlaceholder inserts the pending assistant message a turn streams
// into. messageID is minted by the caller so the event envelopes can carry
// it before the row exists. Committed before the turn transaction opens; a
// turn that dies without finalizing leaves the row pending for the sweeper.
func (s *MessageService) CreatePlaceholder(ctx context.Context, q Querier, sessionID, messageID, modelName string) (*models.ChatMessage, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, role, content, status, model_name)
		VALUES ($1, $2, 'assistant', '', 'pending', $3)
		RETURNING `+messageColumns,
		messageID, sessionID, modelName)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder: %w", err)
	}
	return msg, nil
}

// FinalizeParams carries the terminal state of an assistant placeholder.
type FinalizeParams struct {
	MessageID        string
	Content          string
	Status           models.MessageStatus
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	GenerationTime   float64
	Timeline         models.Timeline
	ErrorInfo        *models.ErrorInfo
}

// FinalizeAssistant moves a pending placeholder to completed or error with
// its accumulated content and telemetry, inside the turn transaction. A
// placeholder can be finalized exactly once.
func (s *MessageService) FinalizeAssistant(ctx context.Context, q Querier, p FinalizeParams) error {
	if p.Status != models.MessageStatusCompleted && p.Status != models.MessageStatusError {
		return NewValidationError("status", "must be completed or error")
	}

	var structured any
	if len(p.Timeline) > 0 {
		raw, err := json.Marshal(structuredContent{Timeline: p.Timeline})
		if err != nil {
			return fmt.Errorf("failed to encode timeline: %w", err)
		}
		structured = raw
	}
	var errInfo any
	if p.ErrorInfo != nil {
		raw, err := json.Marshal(p.ErrorInfo)
		if err != nil {
			return fmt.Errorf("failed to encode error_info: %w", err)
		}
		errInfo = raw
	}

	res, err := q.ExecContext(ctx, `
		UPDATE chat_messages
		SET content = $2, status = $3, prompt_tokens = $4, completion_tokens = $5,
		    total_tokens = $6, generation_time = $7, structured_content = $8, error_info = $9
		WHERE message_id = $1 AND status = 'pending'`,
		p.MessageID, p.Content, p.Status, p.PromptTokens, p.CompletionTokens,
		p.TotalTokens, p.GenerationTime, structured, errInfo)
	if err != nil {
		return fmt.Errorf("failed to finalize assistant message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize assistant message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweptMessage identifies one placeholder closed out by the janitor.
type SweptMessage struct {
	MessageID string
	SessionID string
}

// SweepStalePending closes out pending assistant rows created before
// cutoff: turns that died without finalizing, from a crash or a failed
// error write. Each row moves to status error, and the touched sessions
// get their counters rebuilt — the dead turn's transaction never
// committed its increments.
func (s *MessageService) SweepStalePending(ctx context.Context, cutoff time.Time) ([]SweptMessage, error) {
	errInfo, err := json.Marshal(&models.ErrorInfo{
		Kind:    "timeout",
		Message: "turn never finalized",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode error_info: %w", err)
	}

	var swept []SweptMessage
	err = runInTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE chat_messages
			SET status = 'error', error_info = $2
			WHERE role = 'assistant' AND status = 'pending' AND created_at < $1
			RETURNING message_id, session_id`, cutoff, errInfo)
		if err != nil {
			return fmt.Errorf("failed to sweep stale placeholders: %w", err)
		}

		var sessionIDs []string
		seen := make(map[string]bool)
		for rows.Next() {
			var m SweptMessage
			if err := rows.Scan(&m.MessageID, &m.SessionID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to sweep stale placeholders: %w", err)
			}
			swept = append(swept, m)
			if !seen[m.SessionID] {
				seen[m.SessionID] = true
				sessionIDs = append(sessionIDs, m.SessionID)
			}
		}
		// The result set must be drained before the tx runs more statements.
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to sweep stale placeholders: %w", err)
		}

		for _, sessionID := range sessionIDs {
			if err := recomputeSessionCounters(ctx, tx, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// GetOwnedMessage returns a live message iff userID owns its session.
func (s *MessageService) GetOwnedMessage(ctx context.Context, userID int64, messageID string) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.message_id, m.session_id, COALESCE(m.parent_message_id, ''), m.role, m.content,
			m.status, m.is_edited, m.is_deleted, m.is_summarized, m.is_summary, m.model_name,
			m.prompt_tokens, m.completion_tokens, m.total_tokens, m.generation_time,
			m.structured_content, m.error_info, m.created_at
		FROM chat_messages m
		JOIN chat_sessions s ON s.session_id = m.session_id
		WHERE m.message_id = $1 AND m.is_deleted = FALSE
		  AND s.user_id = $2 AND s.status != 'deleted'`, messageID, userID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the newest limit visible messages of a session in
// chronological order. Summaries, tool traffic and in-flight placeholders
// are internal and excluded.
func (s *MessageService) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1 AND is_deleted = FALSE AND is_summary = FALSE
		  AND role IN ('user', 'assistant') AND status != 'pending'
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// WindowMessages returns the prompt window source rows: the latest live
// summary (if any) followed by every non-deleted, non-summarized message
// in chronological order. In-flight placeholders are excluded.
func (s *MessageService) WindowMessages(ctx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1 AND is_summary = TRUE AND is_summarized = FALSE AND is_deleted = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, sessionID)
	summary, err := scanMessage(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1 AND is_deleted = FALSE AND is_summarized = FALSE
		  AND is_summary = FALSE AND status != 'pending'
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load window messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if summary != nil {
		return append([]*models.ChatMessage{summary}, msgs...), nil
	}
	return msgs, nil
}

// SummaryCandidates returns the compressible prefix: every non-deleted,
// non-summarized message except the most recent keepRecent, in
// chronological order. Superseded summaries are candidates too, so each
// new summary folds the previous one in.
func (s *MessageService) SummaryCandidates(ctx context.Context, sessionID string, keepRecent int) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = $1 AND is_deleted = FALSE AND is_summarized = FALSE
		  AND status != 'pending'
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary candidates: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) <= keepRecent {
		return nil, nil
	}
	return msgs[:len(msgs)-keepRecent], nil
}

// ApplySummary inserts the summary row and marks its sources compressed in
// one transaction.
func (s *MessageService) ApplySummary(ctx context.Context, sessionID, summary string, sourceIDs []string) (*models.ChatMessage, error) {
	if strings.TrimSpace(summary) == "" {
		return nil, NewValidationError("summary", "required")
	}
	if len(sourceIDs) == 0 {
		return nil, NewValidationError("source_ids", "required")
	}

	var msg *models.ChatMessage
	err := runInTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO chat_messages (message_id, session_id, role, content, status, is_summary)
			VALUES ($1, $2, 'system', $3, 'completed', TRUE)
			RETURNING `+messageColumns,
			uuid.NewString(), sessionID, summary)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("failed to insert summary: %w", err)
		}

		params := make([]string, len(sourceIDs))
		args := make([]any, 0, len(sourceIDs)+1)
		args = append(args, sessionID)
		for i, id := range sourceIDs {
			args = append(args, id)
			params[i] = fmt.Sprintf("$%d", len(args))
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET is_summarized = TRUE
			WHERE session_id = $1 AND message_id IN (`+strings.Join(params, ", ")+`)`, args...); err != nil {
			return fmt.Errorf("failed to mark summarized messages: %w", err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// LatestAssistantTotalTokens returns the total_tokens of the most recent
// non-deleted assistant message, or 0 when the session has none. It is the
// session's context size: the next turn's prompt is exactly that
// message's history plus the new user text. Runs inside the turn
// transaction at finalize so it sees the just-updated placeholder.
func (s *MessageService) LatestAssistantTotalTokens(ctx context.Context, q Querier, sessionID string) (int, error) {
	row := q.QueryRowContext(ctx, `
		SELECT total_tokens FROM chat_messages
		WHERE session_id = $1 AND role = 'assistant' AND is_deleted = FALSE AND status != 'pending'
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, sessionID)

	var tokens int
	err := row.Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest assistant tokens: %w", err)
	}
	return tokens, nil
}

// EditMessage rewrites a user message and invalidates everything after it.
// The original row keeps the new text for provenance but is soft-deleted
// together with every later message; the client re-POSTs the turn with
// parent_message_id referencing it. If the edited message had been folded
// into a summary, the summary is discarded and its sources restored.
// Session counters are recomputed in the same transaction.
func (s *MessageService) EditMessage(ctx context.Context, userID int64, messageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return NewValidationError("content", "required")
	}

	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT m.id, m.session_id, m.role, m.is_summarized, m.created_at
			FROM chat_messages m
			JOIN chat_sessions s ON s.session_id = m.session_id
			WHERE m.message_id = $1 AND m.is_deleted = FALSE
			  AND s.user_id = $2 AND s.status != 'deleted'`, messageID, userID)
		var (
			rowID        int64
			sessionID    string
			role         models.Role
			isSummarized bool
			createdAt    time.Time
		)
		if err := row.Scan(&rowID, &sessionID, &role, &isSummarized, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load message: %w", err)
		}
		if role != models.RoleUser {
			return NewValidationError("message_id", "only user messages can be edited")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET is_deleted = TRUE
			WHERE session_id = $1 AND is_deleted = FALSE
			  AND (created_at, id) >= ($2, $3)`, sessionID, createdAt, rowID); err != nil {
			return fmt.Errorf("failed to invalidate later messages: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET content = $2, is_edited = TRUE
			WHERE message_id = $1`, messageID, newContent); err != nil {
			return fmt.Errorf("failed to store edited content: %w", err)
		}

		if isSummarized {
			// The summary no longer reflects the history it compressed:
			// restore its sources up to the edited message and drop it.
			if _, err := tx.ExecContext(ctx, `
				UPDATE chat_messages SET is_summarized = FALSE
				WHERE session_id = $1 AND is_summary = FALSE AND is_summarized = TRUE
				  AND (created_at, id) <= ($2, $3)`, sessionID, createdAt, rowID); err != nil {
				return fmt.Errorf("failed to restore summarized messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE chat_messages SET is_deleted = TRUE
				WHERE session_id = $1 AND is_summary = TRUE AND is_deleted = FALSE`, sessionID); err != nil {
				return fmt.Errorf("failed to discard summary: %w", err)
			}
		}

		return recomputeSessionCounters(ctx, tx, sessionID)
	})
}

// SoftDeleteMessage hides a single completed message from listings and
// future prompt windows.
func (s *MessageService) SoftDeleteMessage(ctx context.Context, userID int64, messageID string) error {
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT m.session_id
			FROM chat_messages m
			JOIN chat_sessions s ON s.session_id = m.session_id
			WHERE m.message_id = $1 AND m.is_deleted = FALSE AND m.status != 'pending'
			  AND s.user_id = $2 AND s.status != 'deleted'`, messageID, userID)
		var sessionID string
		if err := row.Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET is_deleted = TRUE
			WHERE message_id = $1`, messageID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}

		return recomputeSessionCounters(ctx, tx, sessionID)
	})
}

// recomputeSessionCounters rebuilds message_count and
// current_context_tokens from the live rows after a cascade.
func recomputeSessionCounters(ctx context.Context, q Querier, sessionID string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE chat_sessions SET
			message_count = (SELECT COUNT(*) FROM chat_messages
				WHERE session_id = $1 AND is_deleted = FALSE AND is_summary = FALSE
				  AND role IN ('user', 'assistant')),
			current_context_tokens = COALESCE((SELECT total_tokens FROM chat_messages
				WHERE session_id = $1 AND role = 'assistant' AND is_deleted = FALSE
				  AND status != 'pending'
				ORDER BY created_at DESC, id DESC LIMIT 1), 0),
			updated_at = now()
		WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to recompute session counters: %w", err)
	}
	return nil
}
