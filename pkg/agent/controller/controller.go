// Package controller drives one conversational turn end to end: prompt
// window assembly, the bounded LLM/tool loop, canonical event emission,
// and the single-transaction persistence of everything the turn produced.
//
// A turn moves through INIT (validate, placeholder row), ASSEMBLE (context
// window plus the new user text), then iterations of CALL_LLM/STREAM and
// DISPATCH_TOOLS until the model answers without tool calls, the iteration
// bound trips, or the turn fails. Whatever the outcome, the caller sees
// exactly one terminal Done event, preceded by exactly one TurnError when
// the turn failed (an Info frame instead when it was stopped on request).
package controller

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/agent/window"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/metrics"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/services"
)

// systemPromptPref is the KV preference key consulted before the session's
// own system prompt.
const systemPromptPref = "system_prompt"

// systemPromptCacheTTL is how long a resolved system prompt is cached per
// user.
const systemPromptCacheTTL = 24 * time.Hour

// errMaxIterations ends a turn whose model kept requesting tools past the
// configured iteration bound.
var errMaxIterations = errors.New("iteration limit reached")

// ToolHub is the tool layer as the loop sees it: a flattened catalog for
// the model and a router for dispatches. Implemented by *mcp.Hub.
type ToolHub interface {
	ToolDefinitions() []agent.ToolDefinition
	CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (*mcp.ToolCallResult, error)
}

// ClientProvider selects the streaming client for a model's endpoint.
type ClientProvider interface {
	For(baseURL string) agent.LLMClient
}

// Announcer delivers events outside a running turn's stream, such as the
// asynchronously generated session title.
type Announcer interface {
	Announce(userID int64, conversationID, messageID string, ev events.Event) error
}

// Deps are the collaborators a TurnController needs. Cache, Tools and
// Announce may be nil; the corresponding features degrade quietly.
type Deps struct {
	DB          *sql.DB
	Sessions    *services.SessionService
	Messages    *services.MessageService
	Invocations *services.InvocationService
	Models      *services.ModelService
	Window      *window.Manager
	Clients     ClientProvider
	Tools       ToolHub
	Cache       *kvstore.Store
	Announce    Announcer
}

// TurnController runs turns. One instance serves all sessions; per-turn
// state lives on the stack of Run.
type TurnController struct {
	cfg     config.AgentConfig
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a turn controller.
func New(cfg config.AgentConfig, deps Deps) *TurnController {
	return &TurnController{
		cfg:     cfg,
		deps:    deps,
		logger:  slog.With("component", "controller"),
		metrics: metrics.New(),
	}
}

// TurnRequest describes one user turn. UserMessageID names the already
// persisted user row; AssistantMessageID is minted by the caller so event
// envelopes can carry it before the placeholder row exists.
type TurnRequest struct {
	SessionID          string
	UserID             int64
	UserMessageID      string
	AssistantMessageID string
	Content            string
	ModelName          string // optional override of the session's model
}

// turnState is everything one running turn accumulates.
type turnState struct {
	req         TurnRequest
	session     *models.ChatSession
	model       *models.AIModel
	placeholder *models.ChatMessage
	client      agent.LLMClient
	tools       []agent.ToolDefinition

	tx      *sql.Tx
	out     chan<- events.Event
	started time.Time

	history  []agent.ConversationMessage
	visible  strings.Builder
	timeline models.Timeline

	llmSeq     int
	toolSeq    int
	lastCall   *callUsage
	turnTokens int

	messageCount  int
	firstExchange bool
}

// callUsage is the slice of a CallResult that finalize needs after the
// loop ends.
type callUsage struct {
	promptTokens     int
	completionTokens int
	totalTokens      int
}

// Run executes one turn, writing canonical events to out. The caller must
// keep draining out until Run returns; terminal events are sent without a
// context guard so that a stopped turn still reports how it ended. The
// returned error is the turn's failure cause, nil for clean finishes.
func (tc *TurnController) Run(ctx context.Context, req TurnRequest, out chan<- events.Event) error {
	started := time.Now()
	log := tc.logger.With("session_id", req.SessionID, "message_id", req.AssistantMessageID)

	st, err := tc.initTurn(ctx, req, out, started)
	if err != nil {
		// Validation failed before any row was written: error and done,
		// nothing to finalize.
		kind, msg := tc.classify(ctx, err)
		out <- events.TurnError{Kind: kind, Message: msg}
		out <- events.Done{Status: events.StatusError, GenerationTime: time.Since(started).Seconds()}
		log.Warn("Turn rejected", "kind", kind, "error", err)
		return err
	}
	defer st.tx.Rollback()

	if err := tc.assemble(ctx, st); err != nil {
		return tc.failTurn(ctx, st, err)
	}
	if err := tc.runLoop(ctx, st); err != nil {
		return tc.failTurn(ctx, st, err)
	}
	if err := tc.finalize(ctx, st); err != nil {
		return tc.failTurn(ctx, st, err)
	}

	log.Info("Turn completed",
		"iterations", st.llmSeq,
		"tool_calls", st.toolSeq,
		"turn_tokens", st.turnTokens,
		"duration", time.Since(started))
	return nil
}

// initTurn validates the request, creates the assistant placeholder and
// opens the turn transaction. The placeholder commits on its own before
// the transaction so a crashed turn leaves a pending row for the sweeper
// instead of nothing.
func (tc *TurnController) initTurn(ctx context.Context, req TurnRequest, out chan<- events.Event, started time.Time) (*turnState, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, errEmptyInput
	}

	session, err := tc.deps.Sessions.GetOwnedSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, errSessionNotFound
		}
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	modelName := session.AIModel
	if req.ModelName != "" {
		modelName = req.ModelName
	}
	model, err := tc.deps.Models.GetByName(ctx, modelName)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errModelNotFound, modelName)
		}
		return nil, fmt.Errorf("model lookup failed: %w", err)
	}

	var client agent.LLMClient
	if tc.deps.Clients != nil {
		client = tc.deps.Clients.For(model.BaseURL)
	}
	if client == nil {
		return nil, fmt.Errorf("no client for model endpoint %q", model.BaseURL)
	}

	session.SystemPrompt = tc.resolveSystemPrompt(ctx, req.UserID, session)

	placeholder, err := tc.deps.Messages.CreatePlaceholder(ctx, tc.deps.DB, req.SessionID, req.AssistantMessageID, model.Name)
	if err != nil {
		return nil, fmt.Errorf("placeholder creation failed: %w", err)
	}
	out <- events.MessageStart{}

	tx, err := tc.deps.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("turn transaction failed to open: %w", err)
	}

	st := &turnState{
		req:         req,
		session:     session,
		model:       model,
		placeholder: placeholder,
		client:      client,
		tx:          tx,
		out:         out,
		started:     started,
	}

	st.messageCount, err = tc.deps.Sessions.IncrementMessageCount(ctx, tx, req.SessionID, 1)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("message count update failed: %w", err)
	}
	// The user message made it 1, this placeholder makes it 2: the
	// session's first exchange, which earns it a generated title.
	st.firstExchange = st.messageCount == 2
	return st, nil
}

// assemble builds the prompt window for the first iteration: compressed
// history from the window manager with the new user text appended, plus
// the tool catalog when the model can use it.
func (tc *TurnController) assemble(ctx context.Context, st *turnState) error {
	history, err := tc.deps.Window.PrepareTurn(ctx, st.session, st.model, st.req.UserMessageID)
	if err != nil {
		return err
	}
	st.history = append(history, agent.ConversationMessage{
		Role:    string(models.RoleUser),
		Content: st.req.Content,
	})

	if st.model.SupportsTools && tc.deps.Tools != nil {
		st.tools = tc.deps.Tools.ToolDefinitions()
	}
	return nil
}

// resolveSystemPrompt applies the prompt priority: the user's cached
// preference wins over the session's own prompt, which wins over the
// configured default. A miss writes the resolution back for a day.
func (tc *TurnController) resolveSystemPrompt(ctx context.Context, userID int64, session *models.ChatSession) string {
	if tc.deps.Cache != nil {
		if cached, err := tc.deps.Cache.GetUserPref(ctx, userID, systemPromptPref); err == nil && cached != "" {
			return cached
		}
	}

	prompt := session.SystemPrompt
	if prompt == "" {
		prompt = tc.cfg.DefaultSystemPrompt
	}
	if tc.deps.Cache != nil && prompt != "" {
		if err := tc.deps.Cache.SetUserPref(ctx, userID, systemPromptPref, prompt, systemPromptCacheTTL); err != nil {
			tc.logger.Warn("Failed to cache system prompt", "user_id", userID, "error", err)
		}
	}
	return prompt
}

// finalize commits the turn: placeholder content and telemetry, session
// counters and the recomputed context size all land in one transaction,
// then the terminal Done goes out.
func (tc *TurnController) finalize(ctx context.Context, st *turnState) error {
	var usage callUsage
	if st.lastCall != nil {
		usage = *st.lastCall
	}
	generationTime := time.Since(st.started).Seconds()

	err := tc.deps.Messages.FinalizeAssistant(ctx, st.tx, services.FinalizeParams{
		MessageID:        st.placeholder.MessageID,
		Content:          st.visible.String(),
		Status:           models.MessageStatusCompleted,
		PromptTokens:     usage.promptTokens,
		CompletionTokens: usage.completionTokens,
		TotalTokens:      usage.totalTokens,
		GenerationTime:   generationTime,
		Timeline:         st.timeline,
	})
	if err != nil {
		return fmt.Errorf("placeholder finalize failed: %w", err)
	}

	contextTokens, err := tc.deps.Window.RecomputeContextTokens(ctx, st.tx, st.req.SessionID)
	if err != nil {
		return fmt.Errorf("context recompute failed: %w", err)
	}
	if err := tc.deps.Sessions.ApplyTurnUsage(ctx, st.tx, st.req.SessionID, st.turnTokens, contextTokens); err != nil {
		return fmt.Errorf("session usage update failed: %w", err)
	}
	if err := st.tx.Commit(); err != nil {
		return fmt.Errorf("turn commit failed: %w", err)
	}

	if tc.deps.Cache != nil {
		if err := tc.deps.Cache.ClearSessionSummary(ctx, st.req.SessionID); err != nil {
			tc.logger.Warn("Failed to clear summary cache", "session_id", st.req.SessionID, "error", err)
		}
	}

	st.out <- events.Done{
		MessageID:      st.placeholder.MessageID,
		Status:         events.StatusCompleted,
		GenerationTime: generationTime,
		ContextInfo: &events.ContextInfo{
			CurrentContextTokens: contextTokens,
			MaxContextTokens:     st.model.MaxContextLength,
		},
		SessionInfo: &events.SessionInfo{
			MessageCount:   st.messageCount,
			LastActivityAt: time.Now().UTC().Format(time.RFC3339),
		},
	}

	if st.firstExchange {
		go tc.titleJob(context.WithoutCancel(ctx), st)
	}
	return nil
}

// failTurn ends a failed or stopped turn: roll back the open transaction,
// finalize the placeholder as errored directly against the pool, then
// emit the terminal events. Partial content survives for outcomes the
// client can still render; transport and persistence wrecks discard it.
func (tc *TurnController) failTurn(ctx context.Context, st *turnState, cause error) error {
	st.tx.Rollback()

	kind, msg := tc.classify(ctx, cause)
	content, timeline := "", models.Timeline(nil)
	var usage callUsage
	if partialContentValid(kind) {
		content = st.visible.String()
		timeline = st.timeline
		if st.lastCall != nil {
			usage = *st.lastCall
		}
	}
	generationTime := time.Since(st.started).Seconds()

	// The turn context is usually already dead here (deadline, stop); the
	// error row must land regardless.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := tc.deps.Messages.FinalizeAssistant(fctx, tc.deps.DB, services.FinalizeParams{
		MessageID:        st.placeholder.MessageID,
		Content:          content,
		Status:           models.MessageStatusError,
		PromptTokens:     usage.promptTokens,
		CompletionTokens: usage.completionTokens,
		TotalTokens:      usage.totalTokens,
		GenerationTime:   generationTime,
		Timeline:         timeline,
		ErrorInfo:        &models.ErrorInfo{Kind: string(kind), Message: msg},
	})
	if err != nil {
		// The placeholder stays pending; the sweeper picks it up.
		tc.logger.Error("Failed to finalize errored placeholder",
			"message_id", st.placeholder.MessageID, "error", err)
	}

	if kind == events.ErrKindCancelled {
		st.out <- events.Info{Reason: "stopped"}
	} else {
		st.out <- events.TurnError{Kind: kind, Message: msg}
	}
	st.out <- events.Done{
		MessageID:      st.placeholder.MessageID,
		Status:         events.StatusError,
		GenerationTime: generationTime,
	}

	tc.logger.Warn("Turn failed",
		"session_id", st.req.SessionID,
		"message_id", st.placeholder.MessageID,
		"kind", kind,
		"error", cause)
	return cause
}

// Sentinel causes for pre-turn validation failures.
var (
	errEmptyInput      = errors.New("message content is empty")
	errSessionNotFound = errors.New("session not found")
	errModelNotFound   = errors.New("model not found")
)

// classify maps a turn failure onto the wire error taxonomy. Context
// state is checked first: a deadline or stop cancels whatever operation
// happened to be in flight, and that operation's own error is noise.
func (tc *TurnController) classify(ctx context.Context, err error) (events.ErrorKind, string) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return events.ErrKindTimeout, "turn deadline exceeded"
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		// The executor cancels with a cause when the gateway stalled; that
		// is a delivery failure, not a user stop.
		if errors.Is(context.Cause(ctx), events.ErrSendStalled) {
			return events.ErrKindTransport, "event delivery stalled"
		}
		return events.ErrKindCancelled, "generation stopped"
	}

	var overflow *window.OverflowError
	if errors.As(err, &overflow) {
		return events.ErrKindContextOverflow, overflow.Error()
	}
	var streamErr *agent.StreamError
	if errors.As(err, &streamErr) {
		return events.ErrKindTransport, streamErr.Error()
	}

	switch {
	case errors.Is(err, errMaxIterations):
		return events.ErrKindMaxIterations, fmt.Sprintf("turn exceeded %d iterations", tc.maxIterations())
	case errors.Is(err, errEmptyInput):
		return events.ErrKindEmptyInput, errEmptyInput.Error()
	case errors.Is(err, errSessionNotFound):
		return events.ErrKindSessionNotFound, errSessionNotFound.Error()
	case errors.Is(err, errModelNotFound):
		return events.ErrKindModelNotFound, err.Error()
	}
	return events.ErrKindPersistence, "failed to persist turn state"
}

// partialContentValid reports whether the accumulated assistant text is
// still meaningful to a client under the given failure kind.
func partialContentValid(kind events.ErrorKind) bool {
	switch kind {
	case events.ErrKindMaxIterations, events.ErrKindTimeout, events.ErrKindCancelled:
		return true
	}
	return false
}

func (tc *TurnController) maxIterations() int {
	if tc.cfg.MaxIterations > 0 {
		return tc.cfg.MaxIterations
	}
	return 50
}
