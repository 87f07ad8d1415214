package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
)

// InvocationService records per-call telemetry: one row per LLM call and
// one per tool dispatch, written through the turn's transaction so a turn
// commits all of its telemetry or none of it.
type InvocationService struct {
	db *sql.DB
}

// NewInvocationService creates a new InvocationService
func NewInvocationService(db *sql.DB) *InvocationService {
	return &InvocationService{db: db}
}

// InsertLLMInvocation stores one completed LLM call. Sequence numbers are
// assigned by the caller, starting at 1 per message; (message_id,
// sequence_number) is unique.
func (s *InvocationService) InsertLLMInvocation(ctx context.Context, q Querier, inv *models.LLMInvocation) error {
	if inv.SequenceNumber < 1 {
		return NewValidationError("sequence_number", "must be positive")
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO model_invocations (message_id, session_id, sequence_number, prompt_tokens,
			completion_tokens, total_tokens, duration_ms, model_name, finish_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		inv.MessageID, inv.SessionID, inv.SequenceNumber, inv.PromptTokens,
		inv.CompletionTokens, inv.TotalTokens, inv.DurationMS, inv.ModelName, inv.FinishReason)

	if err := row.Scan(&inv.ID, &inv.CreatedAt); err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("%w: llm invocation %s/%d", ErrAlreadyExists, inv.MessageID, inv.SequenceNumber)
		}
		return fmt.Errorf("failed to insert llm invocation: %w", err)
	}
	return nil
}

// InsertToolInvocation stores one dispatch in pending before the hub call.
// The row records the call even when the result later comes from cache.
func (s *InvocationService) InsertToolInvocation(ctx context.Context, q Querier, inv *models.ToolInvocation) error {
	if inv.SequenceNumber < 1 {
		return NewValidationError("sequence_number", "must be positive")
	}
	if inv.ToolName == "" {
		return NewValidationError("tool_name", "required")
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO tool_invocations (message_id, session_id, sequence_number,
			triggered_by_llm_sequence, tool_name, arguments, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id, created_at`,
		inv.MessageID, inv.SessionID, inv.SequenceNumber,
		inv.TriggeredByLLMSequence, inv.ToolName, rawOrNil(inv.Arguments))

	if err := row.Scan(&inv.ID, &inv.CreatedAt); err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("%w: tool invocation %s/%d", ErrAlreadyExists, inv.MessageID, inv.SequenceNumber)
		}
		return fmt.Errorf("failed to insert tool invocation: %w", err)
	}
	inv.Status = models.ToolInvocationPending
	return nil
}

// ToolOutcome is the terminal state of one tool dispatch.
type ToolOutcome struct {
	Result       json.RawMessage
	Status       models.ToolInvocationStatus
	CacheHit     bool
	ErrorMessage string
	DurationMS   int64
}

// CompleteToolInvocation moves a pending dispatch to success or error. A
// dispatch completes exactly once.
func (s *InvocationService) CompleteToolInvocation(ctx context.Context, q Querier, messageID string, sequence int, outcome ToolOutcome) error {
	if outcome.Status != models.ToolInvocationSuccess && outcome.Status != models.ToolInvocationError {
		return NewValidationError("status", "must be success or error")
	}

	res, err := q.ExecContext(ctx, `
		UPDATE tool_invocations
		SET result = $3, status = $4, cache_hit = $5, error_message = $6, duration_ms = $7
		WHERE message_id = $1 AND sequence_number = $2 AND status = 'pending'`,
		messageID, sequence, rawOrNil(outcome.Result), outcome.Status,
		outcome.CacheHit, outcome.ErrorMessage, outcome.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to complete tool invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete tool invocation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLLMInvocations returns a message's LLM calls in sequence order.
func (s *InvocationService) ListLLMInvocations(ctx context.Context, messageID string) ([]*models.LLMInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, sequence_number, prompt_tokens,
			completion_tokens, total_tokens, duration_ms, model_name, finish_reason, created_at
		FROM model_invocations
		WHERE message_id = $1
		ORDER BY sequence_number`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm invocations: %w", err)
	}
	defer rows.Close()

	var invs []*models.LLMInvocation
	for rows.Next() {
		var inv models.LLMInvocation
		if err := rows.Scan(&inv.ID, &inv.MessageID, &inv.SessionID, &inv.SequenceNumber,
			&inv.PromptTokens, &inv.CompletionTokens, &inv.TotalTokens, &inv.DurationMS,
			&inv.ModelName, &inv.FinishReason, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan llm invocation: %w", err)
		}
		invs = append(invs, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list llm invocations: %w", err)
	}
	return invs, nil
}

// ListToolInvocations returns a message's tool dispatches in sequence order.
func (s *InvocationService) ListToolInvocations(ctx context.Context, messageID string) ([]*models.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, session_id, sequence_number, triggered_by_llm_sequence,
			tool_name, arguments, result, status, cache_hit, error_message, duration_ms, created_at
		FROM tool_invocations
		WHERE message_id = $1
		ORDER BY sequence_number`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool invocations: %w", err)
	}
	defer rows.Close()

	var invs []*models.ToolInvocation
	for rows.Next() {
		var (
			inv       models.ToolInvocation
			arguments []byte
			result    []byte
		)
		if err := rows.Scan(&inv.ID, &inv.MessageID, &inv.SessionID, &inv.SequenceNumber,
			&inv.TriggeredByLLMSequence, &inv.ToolName, &arguments, &result, &inv.Status,
			&inv.CacheHit, &inv.ErrorMessage, &inv.DurationMS, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool invocation: %w", err)
		}
		inv.Arguments = arguments
		inv.Result = result
		invs = append(invs, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tool invocations: %w", err)
	}
	return invs, nil
}

// rawOrNil maps an empty raw payload to SQL NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
