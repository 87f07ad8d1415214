package builtin

import (
	"context"
	"fmt"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/mcp"
)

// RegisterAll wires the built-in tool servers into the hub. The calculator
// is always available; weather and search are registered only when enabled
// in configuration. Registration order is fixed so duplicate tool names
// resolve the same way on every boot.
func RegisterAll(ctx context.Context, hub *mcp.Hub, cfg config.ToolsConfig) error {
	if err := hub.RegisterServer(ctx, "calculator", NewCalculatorServer()); err != nil {
		return fmt.Errorf("failed to register calculator server: %w", err)
	}

	if cfg.Weather.Enabled {
		if err := hub.RegisterServer(ctx, "weather", NewWeatherServer(cfg.Weather)); err != nil {
			return fmt.Errorf("failed to register weather server: %w", err)
		}
	}

	if cfg.Search.Enabled {
		if err := hub.RegisterServer(ctx, "search", NewSearchServer(cfg.Search)); err != nil {
			return fmt.Errorf("failed to register search server: %w", err)
		}
	}

	return nil
}
