package agent

import (
	"context"
	"fmt"
	"strings"
)

// StreamError is the typed error for a model call whose stream failed, or
// never opened. Callers map Kind onto the turn error taxonomy.
type StreamError struct {
	Kind       StreamErrorKind
	Message    string
	StatusCode int
}

func (e *StreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm stream failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm stream failed (%s): %s", e.Kind, e.Message)
}

// NewStreamError converts an in-band ErrorChunk into a returnable error.
func NewStreamError(c *ErrorChunk) *StreamError {
	return &StreamError{Kind: c.Kind, Message: c.Message, StatusCode: c.StatusCode}
}

// Completion is the collected result of a non-streaming helper call.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Complete drains a Generate stream into a single response. Used for the
// one-shot calls (session titles, summaries) that have no use for deltas.
func Complete(ctx context.Context, client LLMClient, input *GenerateInput) (*Completion, error) {
	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.Generate(llmCtx, input)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	out := &Completion{}
	var text strings.Builder
	var streamErr *StreamError

	for chunk := range stream {
		switch c := chunk.(type) {
		case *TextChunk:
			text.WriteString(c.Content)
		case *UsageChunk:
			out.PromptTokens = c.PromptTokens
			out.CompletionTokens = c.CompletionTokens
		case *DoneChunk:
			out.FinishReason = c.FinishReason
		case *ErrorChunk:
			streamErr = NewStreamError(c)
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}

	out.Text = text.String()
	return out, nil
}
