package api

import (
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /ws/chat?token=. Upgrades to WebSocket after
// verifying the access token and hands the socket to the gateway;
// HandleConnection blocks until the peer goes away.
func (s *Server) wsHandler(c *echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "token query parameter is required")
	}

	id, err := s.deps.Auth.Verify(c.Request().Context(), token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Browsers send an Origin header; it must match the configured
		// frontend. Non-browser clients send none and pass.
		OriginPatterns: originHosts(s.cfg.Server.AllowedOrigins),
	})
	if err != nil {
		return err
	}

	s.deps.Gateway.HandleConnection(c.Request().Context(), conn, id.UserID)
	return nil
}

// originHosts strips schemes from the configured origins; Accept matches
// origin patterns against the host part only.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
