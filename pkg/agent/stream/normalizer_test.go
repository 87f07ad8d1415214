package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/events"
)

func feed(chunks ...agent.Chunk) <-chan agent.Chunk {
	ch := make(chan agent.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func textFrames(deltas ...string) []agent.Chunk {
	chunks := make([]agent.Chunk, 0, len(deltas))
	for _, d := range deltas {
		chunks = append(chunks, &agent.TextChunk{Content: d})
	}
	return chunks
}

func usageDone(prompt, completion int, reason string) []agent.Chunk {
	return []agent.Chunk{
		&agent.UsageChunk{PromptTokens: prompt, CompletionTokens: completion},
		&agent.DoneChunk{FinishReason: reason},
	}
}

// runCall processes one chunk sequence and drains the emitted events.
// The out channel must be large enough to hold them all.
func runCall(t *testing.T, n *Normalizer, out chan events.Event, chunks []agent.Chunk) (*CallResult, []events.Event, error) {
	t.Helper()
	res, err := n.ProcessCall(context.Background(), feed(chunks...), time.Now(), 1)
	var got []events.Event
	for len(out) > 0 {
		got = append(got, <-out)
	}
	return res, got, err
}

func eventKinds(evs []events.Event) []string {
	kinds := make([]string, 0, len(evs))
	for _, ev := range evs {
		switch ev.(type) {
		case events.ContentDelta:
			kinds = append(kinds, "content")
		case events.ThinkingBegin:
			kinds = append(kinds, "thinking_begin")
		case events.ThinkingDelta:
			kinds = append(kinds, "thinking_delta")
		case events.ThinkingEnd:
			kinds = append(kinds, "thinking_end")
		case events.ToolCall:
			kinds = append(kinds, "tool_call")
		case events.InvocationComplete:
			kinds = append(kinds, "invocation_complete")
		default:
			kinds = append(kinds, fmt.Sprintf("%T", ev))
		}
	}
	return kinds
}

func TestProcessCallPlainContent(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("Hello", ", ", "world"), usageDone(120, 14, "stop")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{"content", "content", "content", "invocation_complete"}, eventKinds(evs))
	assert.Equal(t, "Hello", evs[0].(events.ContentDelta).Delta)
	assert.Equal(t, "Hello, world", res.VisibleText)
	assert.Empty(t, res.ThinkingSpans)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 120, res.PromptTokens)
	assert.Equal(t, 14, res.CompletionTokens)
	assert.Equal(t, 134, res.TotalTokens)
	assert.Equal(t, "stop", res.FinishReason)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))

	done := evs[3].(events.InvocationComplete)
	assert.Equal(t, 1, done.Sequence)
	assert.Equal(t, 134, done.TotalTokens)
	assert.Equal(t, "stop", done.FinishReason)
}

func TestProcessCallSplitThinkingTag(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("<th", "ink>plan</think>ans", "wer"), usageDone(30, 8, "stop")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{
		"thinking_begin", "thinking_delta", "thinking_end",
		"content", "content", "invocation_complete",
	}, eventKinds(evs))

	begin := evs[0].(events.ThinkingBegin)
	assert.NotEmpty(t, begin.ThinkingID)
	delta := evs[1].(events.ThinkingDelta)
	assert.Equal(t, begin.ThinkingID, delta.ThinkingID)
	assert.Equal(t, "plan", delta.Delta)
	assert.Equal(t, begin.ThinkingID, evs[2].(events.ThinkingEnd).ThinkingID)
	assert.Equal(t, "ans", evs[3].(events.ContentDelta).Delta)
	assert.Equal(t, "wer", evs[4].(events.ContentDelta).Delta)

	assert.Equal(t, "answer", res.VisibleText)
	require.Len(t, res.ThinkingSpans, 1)
	assert.Equal(t, "plan", res.ThinkingSpans[0].Text)
	assert.Equal(t, begin.ThinkingID, res.ThinkingSpans[0].ThinkingID)
}

func TestProcessCallTagAcrossFrames(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("<think>abc", "def</think>xyz"), usageDone(20, 6, "stop")...)
	_, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{
		"thinking_begin", "thinking_delta", "thinking_delta", "thinking_end",
		"content", "invocation_complete",
	}, eventKinds(evs))
	assert.Equal(t, "abc", evs[1].(events.ThinkingDelta).Delta)
	assert.Equal(t, "def", evs[2].(events.ThinkingDelta).Delta)
	assert.Equal(t, "xyz", evs[4].(events.ContentDelta).Delta)
}

func TestProcessCallStraddlingSingleDelta(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("hi <think>hmm</think> there"), usageDone(15, 5, "stop")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{
		"content", "thinking_begin", "thinking_delta", "thinking_end",
		"content", "invocation_complete",
	}, eventKinds(evs))
	assert.Equal(t, "hi ", evs[0].(events.ContentDelta).Delta)
	assert.Equal(t, "hmm", evs[2].(events.ThinkingDelta).Delta)
	assert.Equal(t, " there", evs[4].(events.ContentDelta).Delta)
	assert.Equal(t, "hi  there", res.VisibleText)
}

func TestProcessCallFreshIDPerSpan(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("<think>one</think>a<think>two</think>b"), usageDone(25, 9, "stop")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Len(t, res.ThinkingSpans, 2)
	assert.Equal(t, "one", res.ThinkingSpans[0].Text)
	assert.Equal(t, "two", res.ThinkingSpans[1].Text)
	assert.NotEqual(t, res.ThinkingSpans[0].ThinkingID, res.ThinkingSpans[1].ThinkingID)

	first := evs[0].(events.ThinkingBegin)
	second := evs[4].(events.ThinkingBegin)
	assert.Equal(t, res.ThinkingSpans[0].ThinkingID, first.ThinkingID)
	assert.Equal(t, res.ThinkingSpans[1].ThinkingID, second.ThinkingID)
	assert.Equal(t, "ab", res.VisibleText)
}

func TestProcessCallToolCallsFollowContent(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := []agent.Chunk{
		&agent.TextChunk{Content: "let me check"},
		&agent.ToolCallsChunk{Calls: []agent.ToolCallRequest{
			{Name: "get_weather", Arguments: json.RawMessage(`{"city":"Berlin"}`)},
			{Name: "calculate", Arguments: json.RawMessage(`{"expression":"2+2"}`)},
		}},
	}
	chunks = append(chunks, usageDone(40, 11, "tool_calls")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{"content", "tool_call", "tool_call", "invocation_complete"}, eventKinds(evs))

	first := evs[1].(events.ToolCall)
	second := evs[2].(events.ToolCall)
	assert.Equal(t, "get_weather", first.Name)
	assert.Equal(t, "calculate", second.Name)
	assert.JSONEq(t, `{"city":"Berlin"}`, string(first.Args))

	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, first.ToolID, res.ToolCalls[0].ID)
	assert.Equal(t, second.ToolID, res.ToolCalls[1].ID)
	assert.NotEmpty(t, first.ToolID)
	assert.NotEqual(t, first.ToolID, second.ToolID)
	assert.Equal(t, "tool_calls", res.FinishReason)
}

func TestProcessCallPendingFragmentPrecedesToolCalls(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	// The held "<th" never completes its tag before the tool block, so
	// it must be emitted as literal content ahead of the tool events.
	chunks := []agent.Chunk{
		&agent.TextChunk{Content: "go<th"},
		&agent.ToolCallsChunk{Calls: []agent.ToolCallRequest{
			{Name: "calculate", Arguments: json.RawMessage(`{"expression":"1"}`)},
		}},
	}
	chunks = append(chunks, usageDone(10, 2, "tool_calls")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{"content", "content", "tool_call", "invocation_complete"}, eventKinds(evs))
	assert.Equal(t, "go", evs[0].(events.ContentDelta).Delta)
	assert.Equal(t, "<th", evs[1].(events.ContentDelta).Delta)
	assert.Equal(t, "go<th", res.VisibleText)
}

func TestProcessCallDanglingFragmentAtStreamEnd(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("done<thi"), usageDone(8, 3, "stop")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{"content", "content", "invocation_complete"}, eventKinds(evs))
	assert.Equal(t, "<thi", evs[1].(events.ContentDelta).Delta)
	assert.Equal(t, "done<thi", res.VisibleText)
}

func TestProcessCallUnterminatedSpanClosedAtStreamEnd(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := append(textFrames("<think>trailing"), usageDone(12, 4, "length")...)
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	require.Equal(t, []string{
		"thinking_begin", "thinking_delta", "thinking_end", "invocation_complete",
	}, eventKinds(evs))
	require.Len(t, res.ThinkingSpans, 1)
	assert.Equal(t, "trailing", res.ThinkingSpans[0].Text)
	assert.Empty(t, res.VisibleText)
}

func TestProcessCallMidStreamError(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := []agent.Chunk{
		&agent.TextChunk{Content: "partial"},
		&agent.ErrorChunk{Kind: agent.StreamErrTransport, Message: "connection reset"},
	}
	res, evs, err := runCall(t, n, out, chunks)
	require.Error(t, err)
	require.NotNil(t, res, "errors carry the partial result")
	assert.Equal(t, "partial", res.VisibleText)

	var streamErr *agent.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, agent.StreamErrTransport, streamErr.Kind)
	assert.Contains(t, streamErr.Message, "connection reset")

	// Partial output reached the client; no invocation_complete follows.
	require.Equal(t, []string{"content"}, eventKinds(evs))
	assert.Equal(t, "partial", evs[0].(events.ContentDelta).Delta)
}

func TestProcessCallErrorClosesOpenSpan(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	chunks := []agent.Chunk{
		&agent.TextChunk{Content: "<think>half"},
		&agent.ErrorChunk{Kind: agent.StreamErrModelHTTP, Message: "bad gateway", StatusCode: 502},
	}
	_, evs, err := runCall(t, n, out, chunks)
	require.Error(t, err)

	require.Equal(t, []string{"thinking_begin", "thinking_delta", "thinking_end"}, eventKinds(evs))

	var streamErr *agent.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 502, streamErr.StatusCode)
}

func TestProcessCallResetsBetweenCalls(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	first := []agent.Chunk{
		&agent.TextChunk{Content: "<think>scout</think>checking"},
		&agent.ToolCallsChunk{Calls: []agent.ToolCallRequest{
			{Name: "search_web", Arguments: json.RawMessage(`{"query":"go"}`)},
		}},
	}
	first = append(first, usageDone(50, 12, "tool_calls")...)
	res1, _, err := runCall(t, n, out, first)
	require.NoError(t, err)
	require.Len(t, res1.ToolCalls, 1)
	require.Len(t, res1.ThinkingSpans, 1)

	second := append(textFrames("final answer"), usageDone(70, 6, "stop")...)
	res2, evs, err := runCall(t, n, out, second)
	require.NoError(t, err)

	assert.Equal(t, "final answer", res2.VisibleText)
	assert.Empty(t, res2.ToolCalls)
	assert.Empty(t, res2.ThinkingSpans)
	ic := evs[len(evs)-1].(events.InvocationComplete)
	assert.Equal(t, 82, ic.TotalTokens)
}

func TestProcessCallCacheHitAndMissingFinishReason(t *testing.T) {
	out := make(chan events.Event, 256)
	n := NewNormalizer(out)

	// Stream closes after usage without a terminal frame; the call still
	// completes with a defaulted finish reason.
	chunks := []agent.Chunk{
		&agent.TextChunk{Content: "cached"},
		&agent.UsageChunk{PromptTokens: 0, CompletionTokens: 5, PromptCacheHit: true},
	}
	res, evs, err := runCall(t, n, out, chunks)
	require.NoError(t, err)

	assert.True(t, res.PromptCacheHit)
	assert.Equal(t, "stop", res.FinishReason)
	require.Equal(t, []string{"content", "invocation_complete"}, eventKinds(evs))
}

func TestProcessCallHonorsCancellation(t *testing.T) {
	out := make(chan events.Event) // no reader
	n := NewNormalizer(out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.ProcessCall(ctx, feed(&agent.TextChunk{Content: "hello"}), time.Now(), 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStripThinking(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no tags", "plain answer", "plain answer"},
		{"single span", "<think>reasoning</think>answer", "answer"},
		{"interleaved", "a<think>x</think>b<think>y</think>c", "abc"},
		{"unclosed drops rest", "lead<think>never closed", "lead"},
		{"whitespace trimmed", "  <think>x</think>  result\n", "result"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripThinking(tc.in))
		})
	}
}
