package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/agent/stream"
	"github.com/parley-ai/parley/pkg/models"
)

// runLoop drives the CALL_LLM / STREAM / DISPATCH_TOOLS cycle until the
// model answers without requesting tools or the iteration bound trips.
// One normalizer instance spans the whole turn so a thinking tag split
// across an iteration boundary still parses.
func (tc *TurnController) runLoop(ctx context.Context, st *turnState) error {
	norm := stream.NewNormalizer(st.out)
	maxIterations := tc.maxIterations()

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		callStarted := time.Now()
		chunks, err := st.client.Generate(ctx, &agent.GenerateInput{
			SessionID: st.req.SessionID,
			MessageID: st.placeholder.MessageID,
			Model:     st.model.Name,
			Messages:  st.history,
			Options: agent.ModelOptions{
				Temperature: st.session.Temperature,
				MaxTokens:   st.session.MaxTokens,
			},
			Tools: st.tools,
		})
		if err != nil {
			// A call that never opened is a transport failure, whatever
			// the client returned.
			return &agent.StreamError{
				Kind:    agent.StreamErrTransport,
				Message: fmt.Sprintf("model call failed to open: %v", err),
			}
		}

		st.llmSeq++
		call, err := norm.ProcessCall(ctx, chunks, callStarted, st.llmSeq)
		if err != nil {
			tc.metrics.RecordLLMCall(st.model.Name, "error", time.Since(callStarted).Seconds(), 0, 0)
			st.recordPartialCall(call)
			return err
		}
		tc.metrics.RecordLLMCall(st.model.Name, call.FinishReason,
			float64(call.DurationMS)/1000, call.PromptTokens, call.CompletionTokens)

		// The call joins the turn state before its telemetry insert: a
		// stop landing on the insert must not lose text the client saw.
		st.recordCall(call)

		// Telemetry lands on the turn transaction as soon as the call
		// closes; a failed turn rolls these rows back with everything else.
		if err := tc.deps.Invocations.InsertLLMInvocation(ctx, st.tx, &models.LLMInvocation{
			MessageID:        st.placeholder.MessageID,
			SessionID:        st.req.SessionID,
			SequenceNumber:   st.llmSeq,
			PromptTokens:     call.PromptTokens,
			CompletionTokens: call.CompletionTokens,
			TotalTokens:      call.TotalTokens,
			DurationMS:       call.DurationMS,
			ModelName:        st.model.Name,
			FinishReason:     call.FinishReason,
		}); err != nil {
			return fmt.Errorf("llm invocation insert failed: %w", err)
		}

		if len(call.ToolCalls) == 0 {
			return nil
		}

		st.history = append(st.history, agent.ConversationMessage{
			Role:      string(models.RoleAssistant),
			Content:   call.VisibleText,
			ToolCalls: call.ToolCalls,
		})
		if err := tc.dispatchTools(ctx, st, call.ToolCalls); err != nil {
			return err
		}
	}
	return errMaxIterations
}

// recordCall folds one finished LLM call into the turn's accumulators:
// visible text, token usage for the session counters and timeline
// entries in the order the client saw them.
func (st *turnState) recordCall(call *stream.CallResult) {
	st.visible.WriteString(call.VisibleText)
	st.lastCall = &callUsage{
		promptTokens:     call.PromptTokens,
		completionTokens: call.CompletionTokens,
		totalTokens:      call.TotalTokens,
	}
	st.turnTokens += call.TotalTokens
	st.recordTimeline(call)
}

// recordPartialCall folds an interrupted call. Its frames already
// reached the client, so the text and spans belong in the turn state;
// usage counts only when the terminal counters arrived before the
// failure, so a zero-usage partial never clobbers the previous call's.
func (st *turnState) recordPartialCall(call *stream.CallResult) {
	if call == nil {
		return
	}
	st.visible.WriteString(call.VisibleText)
	if call.TotalTokens > 0 {
		st.lastCall = &callUsage{
			promptTokens:     call.PromptTokens,
			completionTokens: call.CompletionTokens,
			totalTokens:      call.TotalTokens,
		}
		st.turnTokens += call.TotalTokens
	}
	st.recordTimeline(call)
}

func (st *turnState) recordTimeline(call *stream.CallResult) {
	for _, span := range call.ThinkingSpans {
		st.timeline = append(st.timeline, models.TimelineEntry{
			Type:    models.TimelineThinking,
			ID:      span.ThinkingID,
			Content: span.Text,
		})
	}
	if call.VisibleText != "" {
		st.timeline = append(st.timeline, models.TimelineEntry{
			Type:    models.TimelineContent,
			Content: call.VisibleText,
		})
	}
	for _, toolCall := range call.ToolCalls {
		st.timeline = append(st.timeline, models.TimelineEntry{
			Type:      models.TimelineToolCall,
			ID:        toolCall.ID,
			Name:      toolCall.Name,
			Arguments: toolCall.Arguments,
		})
	}
}
