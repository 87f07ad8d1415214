package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/metrics"
)

// ErrNotConnected reports that the target user has no live WebSocket.
// Turn pumps treat this as "user offline": the turn keeps running and
// persisting, only delivery is skipped.
var ErrNotConnected = errors.New("events: user not connected")

// ErrSendStalled reports that a send did not complete within the stall
// timeout. The connection has been closed; the turn is marked errored.
var ErrSendStalled = errors.New("events: send stalled")

// GenerationStopper cancels a running generation. Implemented by
// queue.TurnExecutor; injected after construction because the executor
// is built later in startup.
type GenerationStopper interface {
	// StopGeneration requests a stop for the user's live turns on the
	// session. Returns false when no matching turn is running.
	StopGeneration(userID int64, sessionID string) bool
}

// Connection is one user's WebSocket.
//
// writeMu serializes all frame writes to the socket: turn pumps,
// heartbeats and read-loop replies may send concurrently.
type Connection struct {
	UserID int64
	Conn   *websocket.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// ConnectionManager tracks one WebSocket per user and delivers turn
// frames to it. Registering a second connection for the same user
// closes the older one.
type ConnectionManager struct {
	cfg     config.GatewayConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	stopperMu sync.RWMutex
	stopper   GenerationStopper

	mu    sync.Mutex
	conns map[int64]*Connection
}

// NewConnectionManager creates the gateway connection registry.
func NewConnectionManager(cfg config.GatewayConfig) *ConnectionManager {
	return &ConnectionManager{
		cfg:     cfg,
		logger:  slog.With("component", "gateway"),
		metrics: metrics.New(),
		conns:   make(map[int64]*Connection),
	}
}

// SetStopper wires the stop-generation handler. Called once during
// startup after the turn executor exists.
func (m *ConnectionManager) SetStopper(s GenerationStopper) {
	m.stopperMu.Lock()
	defer m.stopperMu.Unlock()
	m.stopper = s
}

// HandleConnection owns the lifecycle of one accepted WebSocket. Called
// by the HTTP handler after upgrade and authentication; blocks until
// the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID int64) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		UserID: userID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.logger.Info("WebSocket connected", "user_id", userID)
	m.sendControl(c, controlFrame{Type: "connected"})

	go m.heartbeat(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid WebSocket message", "user_id", userID, "error", err)
			m.sendControl(c, controlFrame{Type: "error", Error: "invalid JSON"})
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendControl(c, controlFrame{Type: "pong"})

	case "stop_generation":
		if msg.SessionID == "" {
			m.sendControl(c, controlFrame{Type: "error", Error: "session_id is required for stop_generation"})
			return
		}
		m.stopperMu.RLock()
		stopper := m.stopper
		m.stopperMu.RUnlock()
		if stopper == nil || !stopper.StopGeneration(c.UserID, msg.SessionID) {
			m.sendControl(c, controlFrame{
				Type:      "error",
				SessionID: msg.SessionID,
				Error:     "no generation in progress",
			})
			return
		}
		m.logger.Info("Stop generation requested",
			"user_id", c.UserID, "session_id", msg.SessionID)

	default:
		m.sendControl(c, controlFrame{Type: "error", Error: fmt.Sprintf("unknown message type: %q", msg.Type)})
	}
}

// Deliver sends one wire frame to the user's connection. Returns
// ErrNotConnected when the user is offline and ErrSendStalled when the
// write missed the stall deadline (the connection is closed first).
func (m *ConnectionManager) Deliver(userID int64, frame []byte) error {
	m.mu.Lock()
	c, ok := m.conns[userID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	if err := m.write(c, frame, m.cfg.SendStallTimeout); err != nil {
		m.logger.Warn("Closing stalled WebSocket", "user_id", userID, "error", err)
		m.drop(c, websocket.StatusPolicyViolation, "send stalled")
		return fmt.Errorf("%w: %v", ErrSendStalled, err)
	}
	return nil
}

// Announce wraps one out-of-band event (title updates arriving after the
// turn stream closed) in a fresh envelope sequence and delivers it.
// Returns the same delivery errors as Deliver.
func (m *ConnectionManager) Announce(userID int64, conversationID, messageID string, ev Event) error {
	frame, err := NewSequencer(conversationID, messageID).Wrap(ev)
	if err != nil {
		return err
	}
	return m.Deliver(userID, frame)
}

// ActiveConnections returns the number of live connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll closes every connection. Called on shutdown after the turn
// executors have drained.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[int64]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// heartbeat sends an application-level ping on a fixed interval until
// the connection context ends. A failed ping drops the connection.
func (m *ConnectionManager) heartbeat(c *Connection) {
	frame, _ := json.Marshal(controlFrame{Type: "ping"})
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(c, frame, m.cfg.WriteTimeout); err != nil {
				m.logger.Warn("Heartbeat failed", "user_id", c.UserID, "error", err)
				m.drop(c, websocket.StatusPolicyViolation, "heartbeat failed")
				return
			}
		}
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	prev := m.conns[c.UserID]
	m.conns[c.UserID] = c
	m.mu.Unlock()
	m.metrics.ClientConnected()

	if prev != nil {
		m.logger.Info("Closing superseded WebSocket", "user_id", c.UserID)
		prev.cancel()
		_ = prev.Conn.Close(websocket.StatusPolicyViolation, "superseded by a new connection")
	}
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	// Only remove the map entry if it is still this connection; a
	// superseding connection may already occupy the slot.
	if m.conns[c.UserID] == c {
		delete(m.conns, c.UserID)
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	m.metrics.ClientDisconnected()
	m.logger.Info("WebSocket disconnected", "user_id", c.UserID)
}

// drop closes a connection with the given status and removes it from
// the registry immediately (without waiting for its read loop to exit).
func (m *ConnectionManager) drop(c *Connection, status websocket.StatusCode, reason string) {
	m.mu.Lock()
	if m.conns[c.UserID] == c {
		delete(m.conns, c.UserID)
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(status, reason)
}

// write sends one frame under the per-connection send lock with a
// bounded write deadline.
func (m *ConnectionManager) write(c *Connection, frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, frame)
}

func (m *ConnectionManager) sendControl(c *Connection, frame controlFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := m.write(c, data, m.cfg.WriteTimeout); err != nil {
		m.logger.Warn("Failed to send control frame",
			"user_id", c.UserID, "type", frame.Type, "error", err)
	}
}
