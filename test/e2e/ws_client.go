package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// WSEvent is one received WebSocket frame, decoded either as an envelope
// (Control false) or a control frame (Control true).
type WSEvent struct {
	// Envelope frames
	EventID   string
	EventType int
	Data      map[string]any // decoded event_data payload

	// Control frames
	Control bool
	Type    string // "connected", "info", "pong", "error"
	Message string

	Raw json.RawMessage
}

// Delta returns the text piece of a content or thinking delta frame. The
// nested message.content is itself JSON-encoded, per the wire contract.
func (e WSEvent) Delta() string {
	msg, ok := e.Data["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := msg["content"].(string)
	var inner struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal([]byte(content), &inner)
	return inner.Text
}

// MessageItemID returns the nested message id of the frame, which groups
// thinking spans and pairs tool calls with their results.
func (e WSEvent) MessageItemID() string {
	msg, ok := e.Data["message"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := msg["id"].(string)
	return id
}

// Number reads a numeric field of the event_data payload.
func (e WSEvent) Number(key string) float64 {
	n, _ := e.Data[key].(float64)
	return n
}

// Str reads a string field of the event_data payload.
func (e WSEvent) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool reads a boolean field of the event_data payload.
func (e WSEvent) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// ContentType returns the nested message content_type code.
func (e WSEvent) ContentType() int {
	msg, ok := e.Data["message"].(map[string]any)
	if !ok {
		return 0
	}
	n, _ := msg["content_type"].(float64)
	return int(n)
}

// DecodeContent unmarshals the nested message.content JSON into v.
func (e WSEvent) DecodeContent(v any) error {
	msg, ok := e.Data["message"].(map[string]any)
	if !ok {
		return fmt.Errorf("frame has no message item")
	}
	content, _ := msg["content"].(string)
	return json.Unmarshal([]byte(content), v)
}

// WSClient holds one connection to /ws/chat and collects every frame.
type WSClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	events []WSEvent
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials the chat WebSocket with the given access token and
// starts collecting frames. The connection closes via t.Cleanup.
func (app *TestApp) WSConnect(t *testing.T, token string) *WSClient {
	t.Helper()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, app.WSURL+"?token="+token, nil)
	require.NoError(t, err, "WebSocket dial failed")

	clientCtx, clientCancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: clientCancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.Close)

	// The gateway greets every connection; consuming the frame here keeps
	// test assertions about turn traffic clean.
	_, err = c.WaitForControl("connected", 5*time.Second)
	require.NoError(t, err, "no connected frame after dial")

	return c
}

// Send writes one client message, e.g. {"type":"stop_generation",...}.
func (c *WSClient) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// StopGeneration sends the stop request for a session.
func (c *WSClient) StopGeneration(sessionID string) error {
	return c.Send(map[string]string{"type": "stop_generation", "session_id": sessionID})
}

// WaitFor blocks until a frame matching the predicate arrives.
func (c *WSClient) WaitFor(pred func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if pred(c.events[i]) {
					ev := c.events[i]
					c.mu.Unlock()
					return &ev, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for an envelope with the given event code.
func (c *WSClient) WaitForType(code int, timeout time.Duration) (*WSEvent, error) {
	return c.WaitFor(func(e WSEvent) bool {
		return !e.Control && e.EventType == code
	}, timeout)
}

// WaitForControl waits for a control frame with the given type.
func (c *WSClient) WaitForControl(typ string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitFor(func(e WSEvent) bool {
		return e.Control && e.Type == typ
	}, timeout)
}

// Events returns a snapshot of every collected frame in receipt order.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Envelopes returns the enveloped frames in receipt order, heartbeats and
// control traffic excluded.
func (c *WSClient) Envelopes() []WSEvent {
	var out []WSEvent
	for _, e := range c.Events() {
		if !e.Control {
			out = append(out, e)
		}
	}
	return out
}

// EnvelopesByType filters enveloped frames by event code.
func (c *WSClient) EnvelopesByType(code int) []WSEvent {
	var out []WSEvent
	for _, e := range c.Events() {
		if !e.Control && e.EventType == code {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops the collected frames. Call between turns after the previous
// turn's terminal frame arrived.
func (c *WSClient) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// Close tears down the connection and waits for the read loop to exit.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		ev := WSEvent{Raw: json.RawMessage(data)}

		var env struct {
			EventID   string `json:"event_id"`
			EventType int    `json:"event_type"`
			EventData string `json:"event_data"`
		}
		if err := json.Unmarshal(data, &env); err == nil && env.EventData != "" {
			ev.EventID = env.EventID
			ev.EventType = env.EventType
			ev.Data = map[string]any{}
			_ = json.Unmarshal([]byte(env.EventData), &ev.Data)
		} else {
			var ctl struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			ev.Control = true
			ev.Type = ctl.Type
			ev.Message = ctl.Message
		}

		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}
}
