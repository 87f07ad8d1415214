package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

// dispatchTools runs one iteration's tool calls in block order. Every
// dispatch gets a pending row before the hub is touched and a completion
// update after, both on the turn transaction. Tool failures are not turn
// failures: the error text goes back to the model as the tool's output
// and the loop continues.
func (tc *TurnController) dispatchTools(ctx context.Context, st *turnState, calls []agent.ToolCall) error {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}

		st.toolSeq++
		if err := tc.deps.Invocations.InsertToolInvocation(ctx, st.tx, &models.ToolInvocation{
			MessageID:              st.placeholder.MessageID,
			SessionID:              st.req.SessionID,
			SequenceNumber:         st.toolSeq,
			TriggeredByLLMSequence: st.llmSeq,
			ToolName:               call.Name,
			Arguments:              call.Arguments,
		}); err != nil {
			return fmt.Errorf("tool invocation insert failed: %w", err)
		}

		dispatched := time.Now()
		result, callErr := tc.deps.Tools.CallTool(ctx, "", call.Name, call.Arguments)
		if callErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed := time.Since(dispatched).Milliseconds()

		outcome := toolOutcome(result, callErr, elapsed)
		tc.metrics.RecordToolCall(call.Name, string(outcome.Status), float64(elapsed)/1000)
		if err := tc.deps.Invocations.CompleteToolInvocation(ctx, st.tx, st.placeholder.MessageID, st.toolSeq, outcome); err != nil {
			return fmt.Errorf("tool invocation update failed: %w", err)
		}

		isError := outcome.Status == models.ToolInvocationError
		st.out <- events.ToolResult{
			ToolID:   call.ID,
			Name:     call.Name,
			Result:   outcome.Result,
			CacheHit: outcome.CacheHit,
			IsError:  isError,
		}
		st.timeline = append(st.timeline, models.TimelineEntry{
			Type:     models.TimelineToolResult,
			ID:       call.ID,
			Name:     call.Name,
			Result:   outcome.Result,
			IsError:  isError,
			CacheHit: outcome.CacheHit,
		})

		st.history = append(st.history, agent.ConversationMessage{
			Role:     string(models.RoleTool),
			Content:  toolReply(result, callErr),
			ToolName: call.Name,
		})
	}
	return nil
}

// toolOutcome shapes a hub response (or a hub failure) into the persisted
// row update. The result column always holds a JSON object so the stored
// record and the emitted event stay parseable.
func toolOutcome(result *mcp.ToolCallResult, callErr error, elapsed int64) services.ToolOutcome {
	if callErr != nil {
		return services.ToolOutcome{
			Result:       textPayload("tool call failed: " + callErr.Error()),
			Status:       models.ToolInvocationError,
			ErrorMessage: callErr.Error(),
			DurationMS:   elapsed,
		}
	}

	payload := result.Structured
	if len(payload) == 0 {
		payload = textPayload(result.Text)
	}
	outcome := services.ToolOutcome{
		Result:     payload,
		Status:     models.ToolInvocationSuccess,
		CacheHit:   result.CacheHit,
		DurationMS: elapsed,
	}
	if result.IsError {
		outcome.Status = models.ToolInvocationError
		outcome.ErrorMessage = result.Text
	}
	return outcome
}

// toolReply is the text fed back to the model as the tool's output.
func toolReply(result *mcp.ToolCallResult, callErr error) string {
	if callErr != nil {
		return "tool call failed: " + callErr.Error()
	}
	if result.Text != "" {
		return result.Text
	}
	if len(result.Structured) > 0 {
		return string(result.Structured)
	}
	return ""
}

// textPayload wraps plain text in the {"text": ...} object used wherever
// a structured result is absent.
func textPayload(text string) json.RawMessage {
	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
