package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/pkg/agent"
)

// ScriptEntry is one scripted response of the mock model. Entries are
// consumed strictly in order; the summarizer and the title job draw from
// the same sequence as the turn loop, in call order.
type ScriptEntry struct {
	Chunks []agent.Chunk
	Err    error // returned from Generate instead of a stream

	// BlockAfterChunks delivers Chunks, then holds the stream open until
	// the call context ends; the channel closes without a DoneChunk, the
	// way a cancelled upstream stream does.
	BlockAfterChunks bool

	// WaitCh holds Generate until closed, then streams Chunks normally.
	WaitCh <-chan struct{}

	// OnBlock is signalled when the entry enters its blocking path.
	OnBlock chan<- struct{}
}

// ScriptedLLMClient implements agent.LLMClient from a fixed sequence of
// entries and captures every GenerateInput for prompt-window assertions.
type ScriptedLLMClient struct {
	mu      sync.Mutex
	entries []ScriptEntry
	index   int
	inputs  []*agent.GenerateInput
}

// NewScriptedLLMClient creates an empty script.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{}
}

// Add appends one entry to the script.
func (c *ScriptedLLMClient) Add(entry ScriptEntry) *ScriptedLLMClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return c
}

// AddText appends a plain text completion.
func (c *ScriptedLLMClient) AddText(text string, promptTokens, completionTokens int) *ScriptedLLMClient {
	return c.Add(ScriptEntry{Chunks: TextResponse(text, promptTokens, completionTokens)})
}

// AddToolCall appends a completion that requests a single tool call.
func (c *ScriptedLLMClient) AddToolCall(name, args string, promptTokens, completionTokens int) *ScriptedLLMClient {
	return c.Add(ScriptEntry{Chunks: ToolCallResponse(name, args, promptTokens, completionTokens)})
}

// TextResponse builds the chunk sequence of a clean text completion.
func TextResponse(text string, promptTokens, completionTokens int) []agent.Chunk {
	return []agent.Chunk{
		&agent.TextChunk{Content: text},
		&agent.UsageChunk{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		&agent.DoneChunk{FinishReason: "stop"},
	}
}

// ToolCallResponse builds the chunk sequence of a completion that ends in
// one tool-call request.
func ToolCallResponse(name, args string, promptTokens, completionTokens int) []agent.Chunk {
	return []agent.Chunk{
		&agent.ToolCallsChunk{Calls: []agent.ToolCallRequest{{
			Name:      name,
			Arguments: json.RawMessage(args),
		}}},
		&agent.UsageChunk{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		&agent.DoneChunk{FinishReason: "tool_calls"},
	}
}

// Generate implements agent.LLMClient.
func (c *ScriptedLLMClient) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	c.mu.Lock()
	c.inputs = append(c.inputs, input)
	if c.index >= len(c.entries) {
		n := c.index
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted llm: no entry for call %d", n+1)
	}
	entry := c.entries[c.index]
	c.index++
	c.mu.Unlock()

	if entry.Err != nil {
		return nil, entry.Err
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan agent.Chunk)
			close(ch)
			return ch, nil
		}
	}

	ch := make(chan agent.Chunk, len(entry.Chunks))
	for _, chunk := range entry.Chunks {
		ch <- chunk
	}

	if entry.BlockAfterChunks {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	close(ch)
	return ch, nil
}

// Close implements agent.LLMClient.
func (c *ScriptedLLMClient) Close() error { return nil }

// CallCount returns how many Generate calls were made.
func (c *ScriptedLLMClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// Input returns the i-th captured GenerateInput (0-based).
func (c *ScriptedLLMClient) Input(i int) *agent.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs[i]
}

// LastInput returns the most recent captured GenerateInput.
func (c *ScriptedLLMClient) LastInput() *agent.GenerateInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs[len(c.inputs)-1]
}
