// Package builtin provides the built-in MCP tool servers: calculator,
// weather lookup and web search. Each server is an ordinary MCP server
// registered with the hub over an in-memory transport.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/expr-lang/expr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// calcEnv exposes the math functions and constants available inside
// expressions, alongside the evaluator's own builtins (abs, min, max, ...).
var calcEnv = map[string]any{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"sqrt":  math.Sqrt,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"pow":   math.Pow,
	"pi":    math.Pi,
	"e":     math.E,
}

var calculateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"expression": {
			"type": "string",
			"description": "The math expression to evaluate, e.g. \"2 + 2 * 3\" or \"sqrt(2) * pi\""
		}
	},
	"required": ["expression"]
}`)

type calculateInput struct {
	Expression string `json:"expression"`
}

// calculateOutput mirrors what the tool reports back: the raw result plus a
// trimmed decimal rendering.
type calculateOutput struct {
	Expression string `json:"expression"`
	Result     any    `json:"result"`
	Formatted  string `json:"formatted_result"`
}

// NewCalculatorServer builds the calculator MCP server. The single
// "calculate" tool evaluates pure math expressions in a sandboxed
// evaluator; it is read-only and therefore cacheable.
func NewCalculatorServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "calculator",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "calculate",
		Description: "Evaluate a mathematical expression and return the result",
		InputSchema: calculateSchema,
		Annotations: &mcpsdk.ToolAnnotations{
			ReadOnlyHint:   true,
			IdempotentHint: true,
		},
	}, handleCalculate)

	return server
}

func handleCalculate(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in calculateInput
	if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
		return toolError(fmt.Sprintf("invalid arguments: %s", err)), nil
	}

	result, err := expr.Eval(in.Expression, calcEnv)
	if err != nil {
		return toolError(fmt.Sprintf("failed to evaluate %q: %s", in.Expression, err)), nil
	}

	out := calculateOutput{
		Expression: in.Expression,
		Result:     result,
		Formatted:  formatNumber(result),
	}

	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: out.Formatted}},
		StructuredContent: out,
	}, nil
}

// formatNumber renders a numeric result without trailing zeros; non-numeric
// results (e.g. comparisons) fall back to their default rendering.
func formatNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprint(v)
	}
}

func toolError(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}
}
