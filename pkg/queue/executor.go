// Package queue runs turns asynchronously: one goroutine per live turn,
// detached from the HTTP request that created it, with a cancel registry
// for stop-generation and a janitor for placeholders orphaned by crashes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/agent/controller"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/metrics"
)

// ErrShuttingDown rejects new turns once Stop has begun.
var ErrShuttingDown = errors.New("queue: executor is shutting down")

// TurnRunner executes one turn, writing events to out until it returns.
// Implemented by *controller.TurnController.
type TurnRunner interface {
	Run(ctx context.Context, req controller.TurnRequest, out chan<- events.Event) error
}

// FrameSink delivers wire frames to a user's connection. Implemented by
// *events.ConnectionManager.
type FrameSink interface {
	Deliver(userID int64, frame []byte) error
}

// TurnExecutor owns the lifecycle of running turns: the per-turn deadline,
// the pump goroutine that envelopes events into wire frames, and the
// cancel registry consulted by stop_generation. It implements
// events.GenerationStopper, wired into the gateway after construction.
type TurnExecutor struct {
	cfg     config.AgentConfig
	runner  TurnRunner
	sink    FrameSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  map[string]*activeTurn // assistant message id → turn
	stopped bool
	wg      sync.WaitGroup
}

// activeTurn is one registered running turn. A session can hold several:
// each POST gets its own placeholder and its own goroutine.
type activeTurn struct {
	userID    int64
	sessionID string
	cancel    context.CancelCauseFunc
}

// NewTurnExecutor creates the executor.
func NewTurnExecutor(cfg config.AgentConfig, runner TurnRunner, sink FrameSink) *TurnExecutor {
	return &TurnExecutor{
		cfg:     cfg,
		runner:  runner,
		sink:    sink,
		logger:  slog.With("component", "executor"),
		metrics: metrics.New(),
		active:  make(map[string]*activeTurn),
	}
}

// Submit mints the turn's assistant message id, registers the turn and
// launches it on its own goroutine, detached from the caller's request
// context. The returned id is what every event envelope of the turn will
// carry. The turn deadline starts here, and a stop_generation arriving
// before the goroutine is scheduled still cancels it.
func (e *TurnExecutor) Submit(req controller.TurnRequest) (string, error) {
	req.AssistantMessageID = uuid.NewString()

	base, cancelDeadline := context.WithTimeout(context.Background(), e.turnTimeout())
	ctx, cancel := context.WithCancelCause(base)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel(nil)
		cancelDeadline()
		return "", ErrShuttingDown
	}
	e.wg.Add(1)
	e.active[req.AssistantMessageID] = &activeTurn{
		userID:    req.UserID,
		sessionID: req.SessionID,
		cancel:    cancel,
	}
	e.mu.Unlock()
	e.metrics.TurnStarted()

	go func() {
		defer cancelDeadline()
		defer cancel(nil)
		e.run(ctx, cancel, req)
	}()
	return req.AssistantMessageID, nil
}

// run drives one turn goroutine: the pump on one side of the event
// channel, the controller on the other. The channel closes only after
// the controller returns, so the pump sees every terminal event.
func (e *TurnExecutor) run(ctx context.Context, cancel context.CancelCauseFunc, req controller.TurnRequest) {
	defer e.wg.Done()
	defer e.unregister(req.AssistantMessageID)

	log := e.logger.With(
		"session_id", req.SessionID,
		"message_id", req.AssistantMessageID,
		"user_id", req.UserID,
	)
	log.Info("Turn launched")
	started := time.Now()

	out := make(chan events.Event, e.eventBuffer())
	pumpDone := make(chan struct{})
	go e.pump(req, cancel, out, pumpDone)

	err := e.runner.Run(ctx, req, out)

	close(out)
	<-pumpDone
	e.metrics.TurnFinished(turnStatus(err), time.Since(started).Seconds())

	if err != nil {
		log.Warn("Turn ended with error", "error", err)
		return
	}
	log.Info("Turn drained")
}

// turnStatus flattens a turn outcome into the metric label.
func turnStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "stopped"
	}
	return "error"
}

// pump envelopes each event and hands the frame to the gateway. A user
// with no live connection is normal — the turn keeps persisting and the
// client catches up from the database. A stalled connection cancels the
// turn with ErrSendStalled as the cause.
func (e *TurnExecutor) pump(req controller.TurnRequest, cancel context.CancelCauseFunc, out <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	seq := events.NewSequencer(req.SessionID, req.AssistantMessageID)

	for ev := range out {
		frame, err := seq.Wrap(ev)
		if err != nil {
			e.logger.Error("Event encode failed",
				"message_id", req.AssistantMessageID, "error", err)
			continue
		}
		if err := e.sink.Deliver(req.UserID, frame); err != nil {
			switch {
			case errors.Is(err, events.ErrNotConnected):
				// User offline; keep going.
			case errors.Is(err, events.ErrSendStalled):
				cancel(events.ErrSendStalled)
			default:
				e.logger.Warn("Event delivery failed",
					"message_id", req.AssistantMessageID, "error", err)
			}
		}
	}
}

// StopGeneration cancels the user's running turns on a session. Returns
// false when none matched. Satisfies events.GenerationStopper.
func (e *TurnExecutor) StopGeneration(userID int64, sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	for _, t := range e.active {
		if t.userID == userID && t.sessionID == sessionID {
			t.cancel(nil)
			found = true
		}
	}
	return found
}

// ActiveTurns returns the number of live turn goroutines.
func (e *TurnExecutor) ActiveTurns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Stop rejects new submissions, cancels every running turn and waits for
// the goroutines to drain, bounded by ctx. Cancelled turns finalize as
// stopped with whatever content they had streamed, so the drain covers
// only their error-path persistence.
func (e *TurnExecutor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for _, t := range e.active {
		t.cancel(nil)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor drain incomplete: %w", ctx.Err())
	}
}

func (e *TurnExecutor) unregister(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, messageID)
}

func (e *TurnExecutor) turnTimeout() time.Duration {
	if e.cfg.TurnTimeout > 0 {
		return e.cfg.TurnTimeout
	}
	return 600 * time.Second
}

func (e *TurnExecutor) eventBuffer() int {
	if e.cfg.EventBuffer > 0 {
		return e.cfg.EventBuffer
	}
	return 256
}
