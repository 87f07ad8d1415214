package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/auth"
	"github.com/parley-ai/parley/pkg/config"
)

// identityKey is the context key requireAuth stores the verified caller under.
const identityKey = "identity"

// publicPaths are served without a Bearer token: the auth flow itself,
// the health probe, and the WebSocket upgrade (which authenticates via
// its token query parameter).
var publicPaths = []string{
	"/healthz",
	"/api/v1/auth/",
	"/ws/chat",
}

// tokenVerifier validates an access token and returns the caller identity.
type tokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

// rateCounter bumps a fixed-window counter, returning the new count and
// the time left in the window.
type rateCounter interface {
	IncrWindow(ctx context.Context, scope string, window time.Duration) (int64, time.Duration, error)
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// corsHeaders returns middleware implementing CORS for the configured
// frontend origins. Credentials are allowed because the refresh token
// travels in a cookie.
func corsHeaders(allowed []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Add("Vary", "Origin")

			origin := c.Request().Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowed) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// requireAuth returns middleware that rejects requests lacking a valid
// Bearer token and stores the verified identity on the context.
func requireAuth(verifier tokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range publicPaths {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			id, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set(identityKey, id)
			return next(c)
		}
	}
}

// identityFrom returns the authenticated caller stored by requireAuth.
func identityFrom(c *echo.Context) (*auth.Identity, bool) {
	id, ok := c.Get(identityKey).(*auth.Identity)
	return id, ok
}

// rateLimit returns fixed-window limiting middleware keyed by the
// authenticated user, falling back to the client IP. The window counter
// lives in Redis, so the limit holds across replicas.
func rateLimit(counter rateCounter, cfg config.RateLimitConfig) echo.MiddlewareFunc {
	limit := int64(cfg.Requests)
	if limit <= 0 {
		limit = 60
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range cfg.ExcludedPaths {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			scope := "ip:" + clientIP(c.Request())
			if id, ok := identityFrom(c); ok {
				scope = "user:" + strconv.FormatInt(id.UserID, 10)
			}

			count, left, err := counter.IncrWindow(c.Request().Context(), scope, window)
			if err != nil {
				// Fail open: a Redis outage must not take the API down.
				slog.Warn("Rate limit check failed", "scope", scope, "error", err)
				return next(c)
			}

			remaining := limit - count
			if remaining < 0 {
				remaining = 0
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(left).Unix(), 10))

			if count > limit {
				retry := int64(left / time.Second)
				if left%time.Second != 0 {
					retry++
				}
				h.Set("Retry-After", strconv.FormatInt(retry, 10))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
