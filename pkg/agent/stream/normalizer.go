// Package stream converts the raw chunk sequence of an LLM call into
// the canonical event stream delivered to clients.
//
// The model inlines its reasoning into the text stream as
// <think>…</think> segments. The normalizer splits those out into
// thinking spans with their own ids, emits everything else as content
// deltas, stamps tool-call requests with fresh ids, and closes each
// call with an invocation-complete event carrying usage and duration.
// Tag boundaries may be split across deltas in both directions: one
// delta may straddle a boundary, and a tag may arrive in pieces. The
// carry buffer below handles the second case; per-delta scanning
// handles the first.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/events"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

type tagState int

const (
	stateOutside tagState = iota
	stateInsideThink
)

// ThinkingSpan is one completed <think> block of a call.
type ThinkingSpan struct {
	ThinkingID string
	Text       string
}

// CallResult is the collected outcome of one normalized LLM call.
type CallResult struct {
	// VisibleText is the assistant text outside thinking spans.
	VisibleText string
	// ThinkingSpans lists the call's thinking blocks in order.
	ThinkingSpans []ThinkingSpan
	// ToolCalls are the requested tool invocations with minted ids,
	// in block order.
	ToolCalls []agent.ToolCall

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	PromptCacheHit   bool
	FinishReason     string
	DurationMS       int64
}

// Normalizer drives the tag state machine for one turn. The machine
// (state, carry, open span id) persists across the turn's LLM calls;
// everything else is per call. Not safe for concurrent use.
type Normalizer struct {
	out chan<- events.Event

	state      tagState
	carry      string
	thinkingID string

	// Per-call accumulators, reset by ProcessCall.
	visible strings.Builder
	spanBuf strings.Builder
	spans   []ThinkingSpan
	calls   []agent.ToolCall
}

// NewNormalizer creates a normalizer emitting canonical events into out.
func NewNormalizer(out chan<- events.Event) *Normalizer {
	return &Normalizer{out: out}
}

// ProcessCall consumes one LLM call's chunk stream and emits its
// canonical events in order: content and thinking in receipt order,
// then tool calls in block order, then invocation-complete. started is
// the instant recorded immediately before opening the stream; sequence
// is the call's per-turn sequence number.
//
// A mid-stream failure is returned as *agent.StreamError after the
// already-received events have been emitted; an open thinking span is
// closed first so the event stream stays well formed. Every error comes
// with the partial result, holding whatever accumulated before the
// failure.
func (n *Normalizer) ProcessCall(ctx context.Context, chunks <-chan agent.Chunk, started time.Time, sequence int) (*CallResult, error) {
	n.visible.Reset()
	n.spanBuf.Reset()
	n.spans = nil
	n.calls = nil

	result := &CallResult{}
	var streamErr *agent.StreamError
	usageSeen := false

drain:
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			if err := n.text(ctx, c.Content); err != nil {
				return n.partial(result), err
			}

		case *agent.ToolCallsChunk:
			if err := n.flushCarry(ctx); err != nil {
				return n.partial(result), err
			}
			if err := n.closeOpenSpan(ctx); err != nil {
				return n.partial(result), err
			}
			for _, call := range c.Calls {
				id := uuid.NewString()
				n.calls = append(n.calls, agent.ToolCall{
					ID:        id,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
				if err := n.emit(ctx, events.ToolCall{
					ToolID: id,
					Name:   call.Name,
					Args:   call.Arguments,
				}); err != nil {
					return n.partial(result), err
				}
			}

		case *agent.UsageChunk:
			usageSeen = true
			result.PromptTokens = c.PromptTokens
			result.CompletionTokens = c.CompletionTokens
			result.TotalTokens = c.PromptTokens + c.CompletionTokens
			result.PromptCacheHit = c.PromptCacheHit
			result.DurationMS = time.Since(started).Milliseconds()

		case *agent.DoneChunk:
			result.FinishReason = c.FinishReason

		case *agent.ErrorChunk:
			streamErr = agent.NewStreamError(c)
			break drain
		}
	}

	if err := n.flushCarry(ctx); err != nil {
		return n.partial(result), err
	}
	if err := n.closeOpenSpan(ctx); err != nil {
		return n.partial(result), err
	}

	if streamErr != nil {
		return n.partial(result), streamErr
	}

	if usageSeen {
		if result.FinishReason == "" {
			result.FinishReason = "stop"
		}
		if err := n.emit(ctx, events.InvocationComplete{
			Sequence:         sequence,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.TotalTokens,
			DurationMS:       result.DurationMS,
			FinishReason:     result.FinishReason,
		}); err != nil {
			return n.partial(result), err
		}
	}

	return n.partial(result), nil
}

// partial fills result with everything accumulated so far. On the error
// paths above this is what lets the caller keep the text the client
// already saw.
func (n *Normalizer) partial(result *CallResult) *CallResult {
	result.VisibleText = n.visible.String()
	result.ThinkingSpans = n.spans
	result.ToolCalls = n.calls
	return result
}

// text runs the tag machine over one delta, emitting content and
// thinking events for the pieces on either side of any tag boundaries.
func (n *Normalizer) text(ctx context.Context, delta string) error {
	if delta == "" {
		return nil
	}
	buf := n.carry + delta
	n.carry = ""

	for buf != "" {
		switch n.state {
		case stateOutside:
			idx := strings.Index(buf, thinkOpen)
			if idx < 0 {
				keep := partialTagLen(buf, thinkOpen)
				n.carry = buf[len(buf)-keep:]
				if err := n.content(ctx, buf[:len(buf)-keep]); err != nil {
					return err
				}
				return nil
			}
			if err := n.content(ctx, buf[:idx]); err != nil {
				return err
			}
			buf = buf[idx+len(thinkOpen):]
			n.thinkingID = uuid.NewString()
			n.spanBuf.Reset()
			if err := n.emit(ctx, events.ThinkingBegin{ThinkingID: n.thinkingID}); err != nil {
				return err
			}
			n.state = stateInsideThink

		case stateInsideThink:
			idx := strings.Index(buf, thinkClose)
			if idx < 0 {
				keep := partialTagLen(buf, thinkClose)
				n.carry = buf[len(buf)-keep:]
				if err := n.thinking(ctx, buf[:len(buf)-keep]); err != nil {
					return err
				}
				return nil
			}
			if err := n.thinking(ctx, buf[:idx]); err != nil {
				return err
			}
			buf = buf[idx+len(thinkClose):]
			if err := n.endSpan(ctx); err != nil {
				return err
			}
			n.state = stateOutside
		}
	}
	return nil
}

func (n *Normalizer) content(ctx context.Context, piece string) error {
	if piece == "" {
		return nil
	}
	n.visible.WriteString(piece)
	return n.emit(ctx, events.ContentDelta{Delta: piece})
}

func (n *Normalizer) thinking(ctx context.Context, piece string) error {
	if piece == "" {
		return nil
	}
	n.spanBuf.WriteString(piece)
	return n.emit(ctx, events.ThinkingDelta{ThinkingID: n.thinkingID, Delta: piece})
}

func (n *Normalizer) endSpan(ctx context.Context) error {
	n.spans = append(n.spans, ThinkingSpan{
		ThinkingID: n.thinkingID,
		Text:       n.spanBuf.String(),
	})
	err := n.emit(ctx, events.ThinkingEnd{ThinkingID: n.thinkingID})
	n.thinkingID = ""
	n.spanBuf.Reset()
	return err
}

// flushCarry emits a held partial-tag fragment as ordinary text. Called
// when the stream moves past text (tool block, usage, end): a fragment
// that never completed its tag was literal text after all.
func (n *Normalizer) flushCarry(ctx context.Context) error {
	if n.carry == "" {
		return nil
	}
	piece := n.carry
	n.carry = ""
	if n.state == stateInsideThink {
		return n.thinking(ctx, piece)
	}
	return n.content(ctx, piece)
}

// closeOpenSpan ends a thinking span the model never closed so the
// event stream stays balanced.
func (n *Normalizer) closeOpenSpan(ctx context.Context) error {
	if n.state != stateInsideThink {
		return nil
	}
	n.state = stateOutside
	return n.endSpan(ctx)
}

func (n *Normalizer) emit(ctx context.Context, ev events.Event) error {
	select {
	case n.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// partialTagLen returns the length of the longest proper prefix of tag
// that the buffer ends with, i.e. the bytes that might become a tag
// once the next delta arrives.
func partialTagLen(buf, tag string) int {
	longest := len(tag) - 1
	if longest > len(buf) {
		longest = len(buf)
	}
	for k := longest; k > 0; k-- {
		if strings.HasSuffix(buf, tag[:k]) {
			return k
		}
	}
	return 0
}

// StripThinking removes <think>…</think> segments from a completed
// response. An unclosed segment is dropped through to the end. Used on
// one-shot helper calls whose callers only want the visible text.
func StripThinking(s string) string {
	var out strings.Builder
	for {
		open := strings.Index(s, thinkOpen)
		if open < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:open])
		rest := s[open+len(thinkOpen):]
		end := strings.Index(rest, thinkClose)
		if end < 0 {
			break
		}
		s = rest[end+len(thinkClose):]
	}
	return strings.TrimSpace(out.String())
}
