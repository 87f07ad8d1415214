package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/models"
)

// listModelsHandler handles GET /api/v1/chat/models.
func (s *Server) listModelsHandler(c *echo.Context) error {
	list, err := s.deps.Models.ListEnabled(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if list == nil {
		list = []*models.AIModel{}
	}

	return c.JSON(http.StatusOK, &models.ModelListResponse{Models: list})
}
