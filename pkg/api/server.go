// Package api is the HTTP front of the backend: REST under /api/v1, the
// WebSocket upgrade at /ws/chat, health at /healthz, Prometheus metrics
// at /metrics. Handlers stay thin; domain rules live in the services.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/pkg/agent/window"
	"github.com/parley-ai/parley/pkg/auth"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/database"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/kvstore"
	"github.com/parley-ai/parley/pkg/queue"
	"github.com/parley-ai/parley/pkg/services"
)

// Deps are the collaborators the API server drives.
type Deps struct {
	Auth     *auth.Service
	Sessions *services.SessionService
	Messages *services.MessageService
	Models   *services.ModelService
	Window   *window.Manager
	KV       *kvstore.Store
	DB       *database.Client
	Executor *queue.TurnExecutor
	Gateway  *events.ConnectionManager
}

// Server owns the echo instance and the net/http server wrapping it.
type Server struct {
	cfg  *config.Config
	deps Deps
	echo *echo.Echo
	http *http.Server
}

// NewServer wires the middleware chain and routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		echo: echo.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	// /metrics is mounted beside echo so scrapes bypass auth and rate
	// limiting entirely.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.echo)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(securityHeaders())
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		s.echo.Use(corsHeaders(s.cfg.Server.AllowedOrigins))
	}
	s.echo.Use(requireAuth(s.deps.Auth))
	s.echo.Use(rateLimit(s.deps.KV, s.cfg.RateLimit))
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws/chat", s.wsHandler)

	e.POST("/api/v1/auth/send-code", s.sendCodeHandler)
	e.POST("/api/v1/auth/login", s.loginHandler)
	e.POST("/api/v1/auth/refresh", s.refreshHandler)
	e.POST("/api/v1/auth/logout", s.logoutHandler)

	e.POST("/api/v1/chat/sessions", s.createSessionHandler)
	e.GET("/api/v1/chat/sessions", s.listSessionsHandler)
	e.GET("/api/v1/chat/sessions/:id", s.getSessionHandler)
	e.PATCH("/api/v1/chat/sessions/:id", s.updateSessionHandler)
	e.DELETE("/api/v1/chat/sessions/:id", s.deleteSessionHandler)

	e.POST("/api/v1/chat/sessions/:id/messages", s.sendMessageHandler)
	e.GET("/api/v1/chat/sessions/:id/messages", s.listMessagesHandler)
	e.PATCH("/api/v1/messages/:id", s.editMessageHandler)
	e.DELETE("/api/v1/messages/:id", s.deleteMessageHandler)

	e.GET("/api/v1/chat/models", s.listModelsHandler)

	e.GET("/api/v1/users/me/preferences/:key", s.getPreferenceHandler)
	e.PUT("/api/v1/users/me/preferences/:key", s.putPreferenceHandler)
}

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves HTTP on a pre-bound listener. Tests bind
// port 0 and read the address back before issuing requests.
func (s *Server) StartWithListener(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
