package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
)

const modelColumns = `id, name, display_name, provider, base_url, max_context_length,
	supports_streaming, supports_tools, is_enabled, created_at`

// ModelService reads the inference model catalog. Rows are owned by
// migrations; the agent never writes them.
type ModelService struct {
	db *sql.DB
}

// NewModelService creates a new ModelService
func NewModelService(db *sql.DB) *ModelService {
	return &ModelService{db: db}
}

func scanModel(row rowScanner) (*models.AIModel, error) {
	var m models.AIModel
	err := row.Scan(&m.ID, &m.Name, &m.DisplayName, &m.Provider, &m.BaseURL,
		&m.MaxContextLength, &m.SupportsStreaming, &m.SupportsTools, &m.IsEnabled, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListEnabled returns the catalog entries clients may pick from.
func (s *ModelService) ListEnabled(ctx context.Context) ([]*models.AIModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+modelColumns+`
		FROM ai_models
		WHERE is_enabled = TRUE
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var catalog []*models.AIModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		catalog = append(catalog, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return catalog, nil
}

// GetByName returns an enabled model by catalog name.
func (s *ModelService) GetByName(ctx context.Context, name string) (*models.AIModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+modelColumns+`
		FROM ai_models
		WHERE name = $1 AND is_enabled = TRUE`, name)

	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return m, nil
}
