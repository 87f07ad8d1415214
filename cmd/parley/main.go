// Parley chat backend — serves the REST API and WebSocket gateway, runs
// turns against the configured inference backend, and multiplexes tools
// through the in-process MCP hub.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/agent/controller"
	"github.com/parley-ai/parley/pkg/agent/llmhttp"
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
	"github.com/parley-ai/parley/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// clientProvider adapts the llmhttp client cache to the controller's
// provider interface.
type clientProvider struct {
	cache *llmhttp.Cache
}

func (p clientProvider) For(baseURL string) agent.LLMClient {
	return p.cache.For(baseURL)
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./parley.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	// Load .env for local development; production uses real environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting parley",
		"version", version.GitCommit,
		"config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect PostgreSQL and apply migrations
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect Redis
	kv, err := kvstore.NewStore(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()

	// 4. Domain services
	userService := services.NewUserService(db)
	sessionService := services.NewSessionService(db)
	messageService := services.NewMessageService(db)
	invocationService := services.NewInvocationService(db)
	modelService := services.NewModelService(db)
	authService := auth.NewService(cfg.Auth, userService, kv, nil)
	slog.Info("Services initialized")

	// 5. LLM client cache and window manager
	clients := llmhttp.NewCache(cfg.LLM, cfg.Agent.ClientCacheSize, cfg.Agent.ClientCacheTTL)
	defer clients.Close()
	windowManager := window.NewManager(messageService, clients.For(""), kv)

	// 6. MCP tool hub with the built-in servers
	hub := mcp.NewHub(cfg.Tools, kv)
	defer func() {
		if err := hub.Close(); err != nil {
			slog.Error("Error closing MCP hub", "error", err)
		}
	}()
	if err := builtin.RegisterAll(ctx, hub, cfg.Tools); err != nil {
		slog.Error("Failed to register built-in tool servers", "error", err)
		os.Exit(1)
	}
	slog.Info("MCP hub initialized", "servers", len(hub.ListAllTools()))

	// 7. Gateway, turn controller and executor
	gateway := events.NewConnectionManager(cfg.Gateway)
	turnController := controller.New(cfg.Agent, controller.Deps{
		DB:          db,
		Sessions:    sessionService,
		Messages:    messageService,
		Invocations: invocationService,
		Models:      modelService,
		Window:      windowManager,
		Clients:     clientProvider{cache: clients},
		Tools:       hub,
		Cache:       kv,
		Announce:    gateway,
	})
	executor := queue.NewTurnExecutor(cfg.Agent, turnController, gateway)
	gateway.SetStopper(executor)

	// 8. Janitor: close out placeholders orphaned by a previous process,
	// then keep sweeping in the background.
	janitor := queue.NewJanitor(cfg.Executor, messageService)
	if err := janitor.SweepOnce(ctx); err != nil {
		slog.Error("Startup placeholder sweep failed", "error", err)
		// Non-fatal — the periodic sweep retries.
	}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go janitor.Run(janitorCtx)

	// 9. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, api.Deps{
		Auth:     authService,
		Sessions: sessionService,
		Messages: messageService,
		Models:   modelService,
		Window:   windowManager,
		KV:       kv,
		DB:       dbClient,
		Executor: executor,
		Gateway:  gateway,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening",
			"host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Parley started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: reject new turns and drain the running ones,
	// then close the sockets, then stop serving HTTP.
	stopJanitor()

	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.Executor.GracefulShutdownTimeout)
	defer cancelDrain()
	if err := executor.Stop(drainCtx); err != nil {
		slog.Warn("Turn drain incomplete — orphaned placeholders will be swept on next start", "error", err)
	} else {
		slog.Info("Turn executor drained")
	}

	gateway.CloseAll()

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
