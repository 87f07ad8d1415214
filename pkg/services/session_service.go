package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4000

	defaultSessionPageSize = 20
	maxSessionPageSize     = 100

	maxTitleLength = 200
)

const sessionColumns = `id, session_id, user_id, title, status, ai_model, temperature, max_tokens,
	system_prompt, message_count, total_tokens, current_context_tokens,
	last_activity_at, created_at, updated_at`

// SessionService manages chat session lifecycle
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var s models.ChatSession
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.Title, &s.Status, &s.AIModel,
		&s.Temperature, &s.MaxTokens, &s.SystemPrompt, &s.MessageCount, &s.TotalTokens,
		&s.CurrentContextTokens, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession creates a new chat session for userID. Absent temperature
// and max_tokens fall back to server defaults; the model name is resolved
// by the caller against the catalog before this point.
func (s *SessionService) CreateSession(ctx context.Context, userID int64, req models.CreateSessionRequest) (*models.ChatSession, error) {
	if len(req.Title) > maxTitleLength {
		return nil, NewValidationError("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, NewValidationError("temperature", "must be between 0 and 2")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return nil, NewValidationError("max_tokens", "must be positive")
	}

	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, title, ai_model, temperature, max_tokens, system_prompt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+sessionColumns,
		uuid.NewString(), userID, req.Title, req.AIModel, temperature, maxTokens, req.SystemPrompt)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a live session by id.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE session_id = $1 AND status != 'deleted'`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// GetOwnedSession returns a live session by id iff userID owns it. A
// session owned by someone else reads as not found.
func (s *SessionService) GetOwnedSession(ctx context.Context, sessionID string, userID int64) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE session_id = $1 AND user_id = $2 AND status != 'deleted'`, sessionID, userID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns one page of userID's sessions ordered by
// last_activity_at descending. A zero cursor means the first page; the
// returned NextCursor is fed back to fetch the next one.
func (s *SessionService) ListSessions(ctx context.Context, userID int64, cursor time.Time, limit int) (*models.SessionListResponse, error) {
	if limit <= 0 {
		limit = defaultSessionPageSize
	}
	if limit > maxSessionPageSize {
		limit = maxSessionPageSize
	}

	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE user_id = $1 AND status != 'deleted'`
	args := []any{userID}
	if !cursor.IsZero() {
		args = append(args, cursor)
		query += fmt.Sprintf(" AND last_activity_at < $%d", len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY last_activity_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	resp := &models.SessionListResponse{Sessions: sessions}
	if len(sessions) > limit {
		resp.Sessions = sessions[:limit]
		resp.HasMore = true
		resp.NextCursor = resp.Sessions[limit-1].LastActivityAt.UTC().Format(time.RFC3339Nano)
	}
	return resp, nil
}

// UpdateSession applies the non-nil fields of req to an owned session and
// returns the updated row.
func (s *SessionService) UpdateSession(ctx context.Context, sessionID string, userID int64, req models.UpdateSessionRequest) (*models.ChatSession, error) {
	if req.Title != nil && len(*req.Title) > maxTitleLength {
		return nil, NewValidationError("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, NewValidationError("temperature", "must be between 0 and 2")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return nil, NewValidationError("max_tokens", "must be positive")
	}

	sets := []string{"updated_at = now()"}
	args := []any{sessionID, userID}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if req.Title != nil {
		add("title", *req.Title)
	}
	if req.AIModel != nil {
		add("ai_model", *req.AIModel)
	}
	if req.SystemPrompt != nil {
		add("system_prompt", *req.SystemPrompt)
	}
	if req.Temperature != nil {
		add("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		add("max_tokens", *req.MaxTokens)
	}
	if len(sets) == 1 {
		return s.GetOwnedSession(ctx, sessionID, userID)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE chat_sessions SET %s
		WHERE session_id = $1 AND user_id = $2 AND status != 'deleted'
		RETURNING `+sessionColumns, strings.Join(sets, ", ")), args...)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, nil
}

// SoftDeleteSession marks an owned session deleted. Its rows stay for the
// retention sweeper; all reads exclude it from now on.
func (s *SessionService) SoftDeleteSession(ctx context.Context, sessionID string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = 'deleted', updated_at = now()
		WHERE session_id = $1 AND user_id = $2 AND status != 'deleted'`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTitle sets the session title. Used by the title-generation job, so
// it does not require ownership context.
func (s *SessionService) UpdateTitle(ctx context.Context, sessionID, title string) error {
	if title == "" {
		return NewValidationError("title", "required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET title = $2, updated_at = now()
		WHERE session_id = $1 AND status != 'deleted'`, sessionID, title)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessageCount bumps the session's message counter and activity
// timestamps, returning the new count. Runs inside the turn transaction
// when q is the turn's *sql.Tx.
func (s *SessionService) IncrementMessageCount(ctx context.Context, q Querier, sessionID string, delta int) (int, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE chat_sessions
		SET message_count = message_count + $2, last_activity_at = now(), updated_at = now()
		WHERE session_id = $1 AND status != 'deleted'
		RETURNING message_count`, sessionID, delta)

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment message count: %w", err)
	}
	return count, nil
}

// ApplyTurnUsage accumulates the turn's token spend and repins the
// session's context size at finalize, inside the turn transaction.
func (s *SessionService) ApplyTurnUsage(ctx context.Context, q Querier, sessionID string, turnTokens, contextTokens int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE chat_sessions
		SET total_tokens = total_tokens + $2, current_context_tokens = $3,
		    last_activity_at = now(), updated_at = now()
		WHERE session_id = $1`, sessionID, turnTokens, contextTokens)
	if err != nil {
		return fmt.Errorf("failed to apply turn usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to apply turn usage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
