package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/database"
	"github.com/parley-ai/parley/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only owned infrastructure (Postgres, Redis) is checked; the external
// inference backend is excluded so an LLM outage cannot make the
// orchestrator restart this process.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.deps.DB.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	// Redis loss degrades (rate limiting fails open, logins stop) but the
	// core chat path keeps working off Postgres.
	if _, err := s.deps.KV.Health(reqCtx); err != nil {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["redis"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
	} else {
		checks["redis"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.deps.Executor != nil {
		checks["executor"] = HealthCheck{
			Status:      healthStatusHealthy,
			ActiveTurns: s.deps.Executor.ActiveTurns(),
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
