package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
)

var objectSchema = json.RawMessage(`{"type":"object"}`)

var citySchema = json.RawMessage(`{
	"type": "object",
	"properties": {"city": {"type": "string"}},
	"required": ["city"]
}`)

// textTool builds a tool that records invocations and replies with a fixed
// text payload.
func textTool(name string, schema json.RawMessage, readOnly bool, calls *atomic.Int64, reply string) (*mcpsdk.Tool, mcpsdk.ToolHandler) {
	tool := &mcpsdk.Tool{
		Name:        name,
		Description: name + " test tool",
		InputSchema: schema,
	}
	if readOnly {
		tool.Annotations = &mcpsdk.ToolAnnotations{ReadOnlyHint: true}
	}
	handler := func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: reply}},
		}, nil
	}
	return tool, handler
}

func newServer(name string) *mcpsdk.Server {
	return mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil)
}

func newTestHub(t *testing.T, cache ResultCache) *Hub {
	t.Helper()
	hub := NewHub(config.ToolsConfig{CacheTTL: time.Hour}, cache)
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

// fakeCache is an in-memory ResultCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) GetToolResult(_ context.Context, tool, fingerprint string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[tool+":"+fingerprint]; ok {
		return v, nil
	}
	return nil, errors.New("cache miss")
}

func (f *fakeCache) SetToolResult(_ context.Context, tool, fingerprint string, result []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[tool+":"+fingerprint] = result
	f.sets++
	return nil
}

func TestRegisterServerDiscoversTools(t *testing.T) {
	hub := newTestHub(t, nil)

	server := newServer("alpha")
	server.AddTool(textTool("first", objectSchema, false, nil, "one"))
	server.AddTool(textTool("second", objectSchema, false, nil, "two"))

	require.NoError(t, hub.RegisterServer(context.Background(), "alpha", server))

	all := hub.ListAllTools()
	require.Contains(t, all, "alpha")
	require.Len(t, all["alpha"], 2)
	assert.Equal(t, "first", all["alpha"][0].Name)
	assert.Equal(t, "second", all["alpha"][1].Name)
	assert.JSONEq(t, string(objectSchema), string(all["alpha"][0].InputSchema))

	defs := hub.ToolDefinitions()
	require.Len(t, defs, 2)
}

func TestRegisterServerRejectsDuplicateName(t *testing.T) {
	hub := newTestHub(t, nil)

	require.NoError(t, hub.RegisterServer(context.Background(), "alpha", newServer("alpha")))
	err := hub.RegisterServer(context.Background(), "alpha", newServer("alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestCallToolRoutesDuplicatesByRegistrationOrder(t *testing.T) {
	hub := newTestHub(t, nil)
	ctx := context.Background()

	first := newServer("alpha")
	first.AddTool(textTool("dup", objectSchema, false, nil, "from alpha"))
	second := newServer("beta")
	second.AddTool(textTool("dup", objectSchema, false, nil, "from beta"))

	require.NoError(t, hub.RegisterServer(ctx, "alpha", first))
	require.NoError(t, hub.RegisterServer(ctx, "beta", second))

	// Unqualified calls go to the first registration.
	result, err := hub.CallTool(ctx, "", "dup", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "from alpha", result.Text)

	// An explicit server name still reaches the shadowed tool.
	result, err = hub.CallTool(ctx, "beta", "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "from beta", result.Text)

	// Both registrations stay visible in the per-server listing, but the
	// flattened list advertises the tool once.
	all := hub.ListAllTools()
	assert.Len(t, all["alpha"], 1)
	assert.Len(t, all["beta"], 1)
	assert.Len(t, hub.ToolDefinitions(), 1)
}

func TestCallToolUnknownToolAndServer(t *testing.T) {
	hub := newTestHub(t, nil)
	ctx := context.Background()

	server := newServer("alpha")
	server.AddTool(textTool("known", objectSchema, false, nil, "ok"))
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	result, err := hub.CallTool(ctx, "", "missing", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, `"missing" is not registered`)
	assert.Contains(t, result.Text, "known")

	result, err = hub.CallTool(ctx, "ghost", "known", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, `server "ghost" is not registered`)

	result, err = hub.CallTool(ctx, "alpha", "missing", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, `not available on server "alpha"`)
}

func TestCallToolValidatesBeforeDispatch(t *testing.T) {
	hub := newTestHub(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	server := newServer("alpha")
	server.AddTool(textTool("lookup", citySchema, false, &calls, "ok"))
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	// Wrong type.
	result, err := hub.CallTool(ctx, "", "lookup", json.RawMessage(`{"city":123}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "do not match its schema")

	// Missing required property.
	result, err = hub.CallTool(ctx, "", "lookup", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Not JSON at all.
	result, err = hub.CallTool(ctx, "", "lookup", json.RawMessage(`{"city":`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "not valid JSON")

	// The handler never saw any of the invalid calls.
	assert.Equal(t, int64(0), calls.Load())

	result, err = hub.CallTool(ctx, "", "lookup", json.RawMessage(`{"city":"Oslo"}`))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCallToolCachesReadOnlyTools(t *testing.T) {
	cache := newFakeCache()
	hub := newTestHub(t, cache)
	ctx := context.Background()

	var calls atomic.Int64
	server := newServer("alpha")
	server.AddTool(textTool("pure", objectSchema, true, &calls, "cached value"))
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	result, err := hub.CallTool(ctx, "", "pure", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, int64(1), calls.Load())

	// Same arguments in a different key order hit the cache.
	result, err = hub.CallTool(ctx, "", "pure", json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, "cached value", result.Text)
	assert.Equal(t, int64(1), calls.Load())

	// Different arguments miss.
	_, err = hub.CallTool(ctx, "", "pure", json.RawMessage(`{"a":1,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCallToolDoesNotCacheSideEffectfulTools(t *testing.T) {
	cache := newFakeCache()
	hub := newTestHub(t, cache)
	ctx := context.Background()

	var calls atomic.Int64
	server := newServer("alpha")
	server.AddTool(textTool("mutator", objectSchema, false, &calls, "done"))
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	for range 2 {
		result, err := hub.CallTool(ctx, "", "mutator", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.False(t, result.CacheHit)
	}
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 0, cache.sets)
}

func TestCallToolZeroTTLOverrideDisablesCaching(t *testing.T) {
	cache := newFakeCache()
	hub := NewHub(config.ToolsConfig{
		CacheTTL:          time.Hour,
		CacheTTLOverrides: map[string]time.Duration{"volatile": 0},
	}, cache)
	t.Cleanup(func() { _ = hub.Close() })
	ctx := context.Background()

	var calls atomic.Int64
	server := newServer("alpha")
	server.AddTool(textTool("volatile", objectSchema, true, &calls, "fresh"))
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	// Read-only, but opted out: every call reaches the server.
	for range 2 {
		result, err := hub.CallTool(ctx, "", "volatile", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.False(t, result.CacheHit)
	}
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 0, cache.sets)
}

func TestCallToolDoesNotCacheErrors(t *testing.T) {
	cache := newFakeCache()
	hub := newTestHub(t, cache)
	ctx := context.Background()

	server := newServer("alpha")
	server.AddTool(&mcpsdk.Tool{
		Name:        "flaky",
		Description: "always errors",
		InputSchema: objectSchema,
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "boom"}},
			IsError: true,
		}, nil
	})
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	result, err := hub.CallTool(ctx, "", "flaky", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 0, cache.sets)
}

func TestCallToolStructuredContent(t *testing.T) {
	hub := newTestHub(t, nil)
	ctx := context.Background()

	server := newServer("alpha")
	server.AddTool(&mcpsdk.Tool{
		Name:        "structured",
		Description: "returns structured content",
		InputSchema: objectSchema,
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: "21.5"}},
			StructuredContent: map[string]any{"temperature_c": 21.5},
		}, nil
	})
	require.NoError(t, hub.RegisterServer(ctx, "alpha", server))

	result, err := hub.CallTool(ctx, "", "structured", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "21.5", result.Text)
	assert.JSONEq(t, `{"temperature_c":21.5}`, string(result.Structured))
}
