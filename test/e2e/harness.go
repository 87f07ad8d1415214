// Package e2e boots the complete chat backend against real PostgreSQL and
// Redis containers and drives it the way a frontend would: HTTP for the
// REST surface, a WebSocket connection for the event stream. Only the LLM
// is scripted; tools run through the real in-process MCP hub.
package e2e

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/agent/controller"
	"github.com/parley-ai/parley/pkg/agent/window"
	"github.com/parley-ai/parley/pkg/api"
	"github.com/parley-ai/parley/pkg/auth"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/database"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/mcp"
	"github.com/parley-ai/parley/pkg/mcp/builtin"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/services"
	testdb "github.com/parley-ai/parley/test/database"
	"github.com/parley-ai/parley/test/util"
)

// testModel is one of the models seeded by the migrations: 32768-token
// context, streaming and tools enabled.
const testModel = "qwen3-32b"

// TestApp is one running backend instance wired for a single test.
type TestApp struct {
	Config *config.Config

	// Mocks / test wiring
	LLM    *ScriptedLLMClient
	Sender *CapturingSender

	// Real infrastructure
	DBClient *database.Client
	Store    *kvstore.Store
	Hub      *mcp.Hub
	Gateway  *events.ConnectionManager
	Executor *queue.TurnExecutor
	Server   *api.Server

	// Domain services, for seeding and row-level assertions
	Users       *services.UserService
	Sessions    *services.SessionService
	Messages    *services.MessageService
	Invocations *services.InvocationService
	Models      *services.ModelService
	Auth        *auth.Service

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws/chat"

	t *testing.T
}

// namedServer keeps WithToolServer registrations in option order; the hub
// resolves duplicate tool names by registration order.
type namedServer struct {
	name   string
	server *mcpsdk.Server
}

type testAppConfig struct {
	llm           *ScriptedLLMClient
	toolServers   []namedServer
	turnTimeout   time.Duration
	maxIterations int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLMClient sets a pre-scripted LLM client.
func WithLLMClient(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithToolServer registers an extra MCP server after the built-in
// calculator. Repeatable; registration follows option order.
func WithToolServer(name string, server *mcpsdk.Server) TestAppOption {
	return func(c *testAppConfig) {
		c.toolServers = append(c.toolServers, namedServer{name: name, server: server})
	}
}

// WithTurnTimeout sets the per-turn deadline.
func WithTurnTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.turnTimeout = d }
}

// WithMaxIterations caps the LLM/tool loop.
func WithMaxIterations(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxIterations = n }
}

// NewTestApp boots a full backend instance on a random port. Shutdown is
// registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		turnTimeout:   30 * time.Second,
		maxIterations: 5,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLMClient()
	}

	cfg := defaultTestConfig()
	cfg.Agent.TurnTimeout = tc.turnTimeout
	cfg.Agent.MaxIterations = tc.maxIterations

	// 1. Storage: isolated migrated schema plus a flushed Redis database.
	dbClient := testdb.NewTestClient(t)
	db := dbClient.DB()
	store := util.SetupTestRedis(t)

	// 2. Domain services and auth with a capturing code sender.
	users := services.NewUserService(db)
	sessions := services.NewSessionService(db)
	messages := services.NewMessageService(db)
	invocations := services.NewInvocationService(db)
	models := services.NewModelService(db)

	sender := &CapturingSender{}
	authService := auth.NewService(cfg.Auth, users, store, sender)

	// 3. The scripted model feeds both the turn loop and the summarizer.
	windowManager := window.NewManager(messages, tc.llm, store)

	// 4. MCP hub: real calculator first, then any scripted servers.
	ctx := context.Background()
	hub := mcp.NewHub(cfg.Tools, store)
	require.NoError(t, hub.RegisterServer(ctx, "calculator", builtin.NewCalculatorServer()))
	for _, ts := range tc.toolServers {
		require.NoError(t, hub.RegisterServer(ctx, ts.name, ts.server))
	}

	// 5. Gateway, controller, executor.
	gateway := events.NewConnectionManager(cfg.Gateway)
	turnController := controller.New(cfg.Agent, controller.Deps{
		DB:          db,
		Sessions:    sessions,
		Messages:    messages,
		Invocations: invocations,
		Models:      models,
		Window:      windowManager,
		Clients:     scriptedProvider{client: tc.llm},
		Tools:       hub,
		Cache:       store,
		Announce:    gateway,
	})
	executor := queue.NewTurnExecutor(cfg.Agent, turnController, gateway)
	gateway.SetStopper(executor)

	// 6. HTTP server on a random port.
	server := api.NewServer(cfg, api.Deps{
		Auth:     authService,
		Sessions: sessions,
		Messages: messages,
		Models:   models,
		Window:   windowManager,
		KV:       store,
		DB:       dbClient,
		Executor: executor,
		Gateway:  gateway,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()

	app := &TestApp{
		Config:      cfg,
		LLM:         tc.llm,
		Sender:      sender,
		DBClient:    dbClient,
		Store:       store,
		Hub:         hub,
		Gateway:     gateway,
		Executor:    executor,
		Server:      server,
		Users:       users,
		Sessions:    sessions,
		Messages:    messages,
		Invocations: invocations,
		Models:      models,
		Auth:        authService,
		BaseURL:     fmt.Sprintf("http://%s", addr),
		WSURL:       fmt.Sprintf("ws://%s/ws/chat", addr),
		t:           t,
	}

	// Teardown in reverse-creation order; the container helpers close the
	// database and Redis after this runs.
	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Stop(drainCtx)
		gateway.CloseAll()

		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = server.Shutdown(shutdownCtx)
		_ = hub.Close()
	})

	return app
}

// defaultTestConfig mirrors the production defaults with test-friendly
// auth material and an effectively unlimited rate budget.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1"},
		Auth: config.AuthConfig{
			AccessTokenSecret: "e2e-access-token-secret",
			AccessTokenTTL:    time.Hour,
			RefreshTokenTTL:   24 * time.Hour,
			LoginCodeTTL:      5 * time.Minute,
		},
		LLM: config.LLMConfig{DefaultModel: testModel},
		Agent: config.AgentConfig{
			MaxIterations:       5,
			TurnTimeout:         30 * time.Second,
			TitleMaxChars:       30,
			DefaultSystemPrompt: "You are a helpful assistant.",
			EventBuffer:         256,
		},
		Executor: config.ExecutorConfig{
			GracefulShutdownTimeout: 10 * time.Second,
			SweepInterval:           time.Minute,
			SweepStaleAfter:         2 * time.Minute,
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      5 * time.Second,
			SendStallTimeout:  10 * time.Second,
		},
		Tools:     config.ToolsConfig{CacheTTL: 5 * time.Minute},
		RateLimit: config.RateLimitConfig{Requests: 10_000, Window: time.Minute},
		Store:     config.StoreConfig{UserPrefTTL: time.Hour},
	}
}

// scriptedProvider hands the scripted client to every model endpoint.
type scriptedProvider struct {
	client agent.LLMClient
}

func (p scriptedProvider) For(string) agent.LLMClient { return p.client }

// CapturingSender implements auth.CodeSender and records the last code
// issued per address, so tests can complete the login flow over HTTP.
type CapturingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *CapturingSender) SendLoginCode(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[email] = code
	return nil
}

// Code returns the last login code sent to email, or "".
func (s *CapturingSender) Code(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}
