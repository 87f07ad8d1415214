package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/mcp"
)

func newCalculatorHub(t *testing.T) *mcp.Hub {
	t.Helper()
	hub := mcp.NewHub(config.ToolsConfig{CacheTTL: time.Hour}, nil)
	t.Cleanup(func() { _ = hub.Close() })
	require.NoError(t, hub.RegisterServer(context.Background(), "calculator", NewCalculatorServer()))
	return hub
}

func TestCalculateExpressions(t *testing.T) {
	hub := newCalculatorHub(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{name: "precedence", expression: "2 + 2 * 3", want: "8"},
		{name: "power", expression: "pow(2, 10)", want: "1024"},
		{name: "division", expression: "7 / 2.0", want: "3.5"},
		{name: "constants", expression: "pi > 3 && pi < 4", want: "true"},
		{name: "functions", expression: "sqrt(16) + abs(-2)", want: "6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := json.Marshal(map[string]string{"expression": tt.expression})
			require.NoError(t, err)

			result, err := hub.CallTool(ctx, "", "calculate", args)
			require.NoError(t, err)
			require.False(t, result.IsError, "unexpected error: %s", result.Text)
			assert.Equal(t, tt.want, result.Text)
		})
	}
}

func TestCalculateStructuredResult(t *testing.T) {
	hub := newCalculatorHub(t)

	result, err := hub.CallTool(context.Background(), "", "calculate",
		json.RawMessage(`{"expression":"2 + 2"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out calculateOutput
	require.NoError(t, json.Unmarshal(result.Structured, &out))
	assert.Equal(t, "2 + 2", out.Expression)
	assert.Equal(t, "4", out.Formatted)
}

func TestCalculateInvalidExpression(t *testing.T) {
	hub := newCalculatorHub(t)

	result, err := hub.CallTool(context.Background(), "", "calculate",
		json.RawMessage(`{"expression":"2 +* 3"}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "failed to evaluate")
}

func TestCalculateSchemaRejectsNonString(t *testing.T) {
	hub := newCalculatorHub(t)

	// The hub validates against the declared schema before the tool runs.
	result, err := hub.CallTool(context.Background(), "", "calculate",
		json.RawMessage(`{"expression":42}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "do not match its schema")
}
