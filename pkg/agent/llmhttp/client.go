// Package llmhttp implements the streaming LLM transport over an
// Ollama-compatible HTTP endpoint. One POST to {base_url}/api/chat yields a
// newline-delimited JSON stream of incremental frames; the terminal frame
// carries usage counters and the finish reason.
package llmhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
)

// maxFrameSize bounds a single NDJSON line. Tool-call frames carry whole
// argument objects, so this is well above the default scanner limit.
const maxFrameSize = 1 << 20

// HTTPError is returned when the model endpoint answers with a non-2xx
// status before any stream is established.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("model endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client streams chat completions from one model endpoint. The pooled HTTP
// transport is shared across all sessions talking to that endpoint.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	callTimeout  time.Duration
	streamBuffer int
	logger       *slog.Logger
}

var _ agent.LLMClient = (*Client)(nil)

// NewClient builds a client for the endpoint at baseURL, using the pool and
// timeout settings from cfg.
func NewClient(baseURL string, cfg config.LLMConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}

	buffer := cfg.StreamBuffer
	if buffer < 1 {
		buffer = 64
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Transport: transport},
		callTimeout:  cfg.CallTimeout,
		streamBuffer: buffer,
		logger:       slog.Default().With("component", "llm", "endpoint", baseURL),
	}
}

// Close releases idle pooled connections. In-flight streams are unaffected.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// chatRequest is the wire form of one completion request.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatFrame is one NDJSON line of the response stream.
type chatFrame struct {
	Message         *frameMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount *int          `json:"prompt_eval_count"`
	EvalCount       *int          `json:"eval_count"`
}

type frameMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

// Generate opens the streaming chat call. Connection and HTTP-status
// failures are returned synchronously; everything after the stream is
// established arrives on the channel, ending with either a DoneChunk or a
// single ErrorChunk.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	body, err := json.Marshal(buildRequest(input))
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	// The wall-clock deadline covers connect, headers and the whole body.
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to reach model endpoint: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	// Buffered so the reader can run ahead of the loop by a bounded amount;
	// once the buffer fills the reader blocks instead of dropping frames.
	ch := make(chan agent.Chunk, c.streamBuffer)
	go c.readStream(callCtx, cancel, resp.Body, input, ch)
	return ch, nil
}

// readStream decodes NDJSON frames into chunks until the terminal frame or
// a read failure. Cancelling the call context fails the body read, so the
// goroutine never outlives the caller as long as the channel is drained.
func (c *Client) readStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, input *agent.GenerateInput, ch chan<- agent.Chunk) {
	defer close(ch)
	defer cancel()
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame chatFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			skipped++
			c.logger.Warn("Skipping undecodable stream frame",
				"session_id", input.SessionID,
				"message_id", input.MessageID,
				"error", err)
			continue
		}

		if frame.Message != nil {
			if frame.Message.Content != "" {
				ch <- &agent.TextChunk{Content: frame.Message.Content}
			}
			if len(frame.Message.ToolCalls) > 0 {
				ch <- &agent.ToolCallsChunk{Calls: toCallRequests(frame.Message.ToolCalls)}
			}
		}

		if frame.Done {
			usage := &agent.UsageChunk{
				PromptCacheHit: frame.PromptEvalCount == nil,
			}
			if frame.PromptEvalCount != nil {
				usage.PromptTokens = *frame.PromptEvalCount
			}
			if frame.EvalCount != nil {
				usage.CompletionTokens = *frame.EvalCount
			}
			ch <- usage

			reason := frame.DoneReason
			if reason == "" {
				reason = "stop"
			}
			ch <- &agent.DoneChunk{FinishReason: reason}
			return
		}
	}

	// The loop only falls through when the stream broke before done:true.
	if err := scanner.Err(); err != nil {
		msg := "stream read failed: " + err.Error()
		if ctx.Err() != nil {
			msg = "stream deadline exceeded: " + ctx.Err().Error()
		}
		ch <- &agent.ErrorChunk{Kind: agent.StreamErrTransport, Message: msg}
		return
	}

	if skipped > 0 {
		ch <- &agent.ErrorChunk{
			Kind:    agent.StreamErrDecode,
			Message: fmt.Sprintf("stream ended without a terminal frame after %d undecodable frames", skipped),
		}
		return
	}
	ch <- &agent.ErrorChunk{Kind: agent.StreamErrTransport, Message: "stream ended without a terminal frame"}
}

func buildRequest(input *agent.GenerateInput) *chatRequest {
	req := &chatRequest{
		Model:    input.Model,
		Messages: make([]wireMessage, 0, len(input.Messages)),
		Stream:   true,
	}

	for _, m := range input.Messages {
		wm := wireMessage{
			Role:     m.Role,
			Content:  m.Content,
			ToolName: m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, t := range input.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if input.Options.Temperature != 0 || input.Options.MaxTokens != 0 {
		req.Options = &wireOptions{
			Temperature: input.Options.Temperature,
			NumPredict:  input.Options.MaxTokens,
		}
	}

	return req
}

func toCallRequests(calls []wireToolCall) []agent.ToolCallRequest {
	out := make([]agent.ToolCallRequest, 0, len(calls))
	for _, c := range calls {
		out = append(out, agent.ToolCallRequest{
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return out
}
