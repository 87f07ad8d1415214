// Package mcp provides the in-process MCP (Model Context Protocol) tool hub:
// a JSON-RPC 2.0 registry of tool servers connected over in-memory
// transports. The hub discovers each server's tools at registration,
// validates call arguments against the declared schemas before dispatch,
// and caches results of read-only tools in the KV store.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/version"
)

const (
	// InitTimeout bounds server registration (connect + tool discovery).
	InitTimeout = 30 * time.Second

	// CallTimeout bounds a single tools/call round trip.
	CallTimeout = 90 * time.Second
)

// ResultCache is the KV interface used for tool-result caching. A nil cache
// disables caching entirely; cache failures are treated as misses.
type ResultCache interface {
	GetToolResult(ctx context.Context, tool, fingerprint string) ([]byte, error)
	SetToolResult(ctx context.Context, tool, fingerprint string, result []byte, ttl time.Duration) error
}

// ToolCallResult is the hub's view of one completed tool call.
type ToolCallResult struct {
	// Text is the flattened text content, fed back to the LLM.
	Text string `json:"text"`
	// Structured is the tool's structured result (JSON object), or nil.
	Structured json.RawMessage `json:"structured,omitempty"`
	// IsError marks results the model should treat as failures. Schema
	// violations and unknown tools are reported this way, per MCP
	// convention, rather than as Go errors.
	IsError bool `json:"is_error,omitempty"`
	// CacheHit is set when the result was served from the KV cache.
	CacheHit bool `json:"-"`
}

// toolEntry is one registered tool together with its compiled schema.
type toolEntry struct {
	server    string
	tool      *mcpsdk.Tool
	rawSchema json.RawMessage
	schema    *jsonschema.Schema // nil when the tool declares no schema
	cacheable bool
	cacheTTL  time.Duration
}

// serverEntry is one registered server and its discovered tools.
type serverEntry struct {
	name      string
	session   *mcpsdk.ClientSession
	toolOrder []string
	tools     map[string]*toolEntry
}

// Hub connects the agent loop to any number of in-process MCP servers.
// Thread-safe: sessions may be used from concurrent turns.
type Hub struct {
	cfg    config.ToolsConfig
	cache  ResultCache
	logger *slog.Logger

	// runCtx is the lifetime of all server goroutines.
	runCtx context.Context
	stop   context.CancelFunc

	mu      sync.RWMutex
	order   []string // server registration order
	servers map[string]*serverEntry
	// routes maps a tool name to the server that registered it first;
	// later registrations of the same name are reachable only with an
	// explicit server name.
	routes map[string]string
}

// NewHub creates an empty hub. cache may be nil to disable result caching.
func NewHub(cfg config.ToolsConfig, cache ResultCache) *Hub {
	runCtx, stop := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		cache:   cache,
		logger:  slog.Default().With("component", "mcp"),
		runCtx:  runCtx,
		stop:    stop,
		servers: make(map[string]*serverEntry),
		routes:  make(map[string]string),
	}
}

// RegisterServer wires a server into the hub over an in-memory transport
// pair, performs the MCP initialize handshake synchronously, and discovers
// the server's tools. Registration order decides duplicate-name routing.
func (h *Hub) RegisterServer(ctx context.Context, name string, server *mcpsdk.Server) error {
	h.mu.RLock()
	_, exists := h.servers[name]
	h.mu.RUnlock()
	if exists {
		return fmt.Errorf("mcp server %q is already registered", name)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	go func() {
		if err := server.Run(h.runCtx, serverTransport); err != nil && h.runCtx.Err() == nil {
			h.logger.Warn("MCP server stopped unexpectedly", "server", name, "error", err)
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, clientTransport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to mcp server %q: %w", name, err)
	}

	listed, err := session.ListTools(initCtx, nil)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to list tools from %q: %w", name, err)
	}

	entry := &serverEntry{
		name:    name,
		session: session,
		tools:   make(map[string]*toolEntry, len(listed.Tools)),
	}
	for _, tool := range listed.Tools {
		ttl := h.cacheTTLFor(tool.Name)
		te := &toolEntry{
			server:    name,
			tool:      tool,
			cacheable: isCacheable(tool) && ttl > 0,
			cacheTTL:  ttl,
		}
		te.rawSchema, te.schema = h.compileSchema(name, tool)
		entry.tools[tool.Name] = te
		entry.toolOrder = append(entry.toolOrder, tool.Name)
	}

	h.mu.Lock()
	h.servers[name] = entry
	h.order = append(h.order, name)
	for _, toolName := range entry.toolOrder {
		if first, taken := h.routes[toolName]; taken {
			h.logger.Warn("Duplicate tool name; keeping first registration",
				"tool", toolName, "first_server", first, "server", name)
			continue
		}
		h.routes[toolName] = name
	}
	h.mu.Unlock()

	h.logger.Info("MCP server registered", "server", name, "tools", len(entry.toolOrder))
	return nil
}

// compileSchema marshals and compiles a tool's input schema. Tools without
// a schema (or with one that does not compile) are dispatched unvalidated.
func (h *Hub) compileSchema(server string, tool *mcpsdk.Tool) (json.RawMessage, *jsonschema.Schema) {
	if tool.InputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		h.logger.Warn("Failed to marshal tool input schema",
			"server", server, "tool", tool.Name, "error", err)
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		h.logger.Warn("Tool input schema is not valid JSON",
			"server", server, "tool", tool.Name, "error", err)
		return raw, nil
	}

	loc := fmt.Sprintf("mcp://%s/%s.json", server, tool.Name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(loc, doc); err != nil {
		h.logger.Warn("Failed to add tool schema resource",
			"server", server, "tool", tool.Name, "error", err)
		return raw, nil
	}
	schema, err := compiler.Compile(loc)
	if err != nil {
		h.logger.Warn("Failed to compile tool input schema",
			"server", server, "tool", tool.Name, "error", err)
		return raw, nil
	}
	return raw, schema
}

// isCacheable reports whether a tool opted into result caching. The MCP
// read-only annotation is the declaration flag: side-effect-free tools set
// it, everything else defaults to uncached.
func isCacheable(tool *mcpsdk.Tool) bool {
	return tool.Annotations != nil && tool.Annotations.ReadOnlyHint
}

// cacheTTLFor resolves a tool's cache TTL. A zero or negative override
// opts the tool out of caching even when it declares itself read-only.
func (h *Hub) cacheTTLFor(toolName string) time.Duration {
	if ttl, ok := h.cfg.CacheTTLOverrides[toolName]; ok {
		return ttl
	}
	return h.cfg.CacheTTL
}

// ListAllTools returns each registered server's tools, keyed by server
// name, in registration order within each server.
func (h *Hub) ListAllTools() map[string][]agent.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string][]agent.ToolDefinition, len(h.servers))
	for _, name := range h.order {
		entry := h.servers[name]
		defs := make([]agent.ToolDefinition, 0, len(entry.toolOrder))
		for _, toolName := range entry.toolOrder {
			defs = append(defs, toDefinition(entry.tools[toolName]))
		}
		result[name] = defs
	}
	return result
}

// ToolDefinitions returns the flattened tool list advertised to the LLM:
// every routable tool in registration order, duplicates already resolved.
func (h *Hub) ToolDefinitions() []agent.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var defs []agent.ToolDefinition
	for _, name := range h.order {
		entry := h.servers[name]
		for _, toolName := range entry.toolOrder {
			if h.routes[toolName] != name {
				continue
			}
			defs = append(defs, toDefinition(entry.tools[toolName]))
		}
	}
	return defs
}

func toDefinition(te *toolEntry) agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        te.tool.Name,
		Description: te.tool.Description,
		InputSchema: te.rawSchema,
	}
}

// CallTool validates and executes one tool call. serverName may be empty,
// in which case the tool routes to the server that registered it first.
//
// Unknown tools and schema violations come back as IsError results with an
// explanation the model can act on; a Go error means the call itself could
// not be performed (dead session, cancellation).
func (h *Hub) CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (*ToolCallResult, error) {
	entry, errResult := h.resolve(serverName, toolName)
	if errResult != nil {
		return errResult, nil
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if errResult := h.validateArgs(entry, args); errResult != nil {
		return errResult, nil
	}

	fingerprint := ""
	if h.cache != nil && entry.cacheable {
		fp, err := Fingerprint(args)
		if err == nil {
			fingerprint = fp
			if cached := h.cacheLookup(ctx, toolName, fingerprint); cached != nil {
				return cached, nil
			}
		} else {
			h.logger.Debug("Failed to fingerprint tool arguments",
				"tool", toolName, "error", err)
		}
	}

	h.mu.RLock()
	session := h.servers[entry.server].session
	h.mu.RUnlock()

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	raw, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %q on server %q failed: %w", toolName, entry.server, err)
	}

	result := &ToolCallResult{
		Text:    extractText(raw),
		IsError: raw.IsError,
	}
	if raw.StructuredContent != nil {
		if structured, err := json.Marshal(raw.StructuredContent); err == nil {
			result.Structured = structured
		}
	}

	if fingerprint != "" && !result.IsError {
		h.cacheStore(ctx, toolName, fingerprint, entry.cacheTTL, result)
	}
	return result, nil
}

// resolve maps (serverName, toolName) to a registered tool entry, or
// returns an IsError result explaining what is available.
func (h *Hub) resolve(serverName, toolName string) (*toolEntry, *ToolCallResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if serverName == "" {
		serverName = h.routes[toolName]
		if serverName == "" {
			return nil, errorResult(fmt.Sprintf(
				"tool %q is not registered. Available tools: %s",
				toolName, strings.Join(h.routableToolsLocked(), ", ")))
		}
	}

	entry, ok := h.servers[serverName]
	if !ok {
		return nil, errorResult(fmt.Sprintf(
			"MCP server %q is not registered. Available servers: %s",
			serverName, strings.Join(h.order, ", ")))
	}

	te, ok := entry.tools[toolName]
	if !ok {
		return nil, errorResult(fmt.Sprintf(
			"tool %q is not available on server %q. Available tools: %s",
			toolName, serverName, strings.Join(entry.toolOrder, ", ")))
	}
	return te, nil
}

// routableToolsLocked lists default-routable tool names. Caller holds h.mu.
func (h *Hub) routableToolsLocked() []string {
	var names []string
	for _, server := range h.order {
		for _, toolName := range h.servers[server].toolOrder {
			if h.routes[toolName] == server {
				names = append(names, toolName)
			}
		}
	}
	return names
}

// validateArgs checks args against the tool's compiled schema. Runs before
// any cache lookup or dispatch so invalid calls never reach a server.
func (h *Hub) validateArgs(entry *toolEntry, args json.RawMessage) *ToolCallResult {
	if entry.schema == nil {
		return nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return errorResult(fmt.Sprintf(
			"arguments for tool %q are not valid JSON: %s", entry.tool.Name, err))
	}
	if err := entry.schema.Validate(inst); err != nil {
		return errorResult(fmt.Sprintf(
			"arguments for tool %q do not match its schema: %s", entry.tool.Name, err))
	}
	return nil
}

func errorResult(explanation string) *ToolCallResult {
	structured, _ := json.Marshal(map[string]string{"error": explanation})
	return &ToolCallResult{
		Text:       explanation,
		Structured: structured,
		IsError:    true,
	}
}

// cacheLookup returns the cached result for (tool, fingerprint), or nil on
// a miss. Any cache failure is a miss.
func (h *Hub) cacheLookup(ctx context.Context, toolName, fingerprint string) *ToolCallResult {
	data, err := h.cache.GetToolResult(ctx, toolName, fingerprint)
	if err != nil {
		return nil
	}
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		h.logger.Debug("Discarding undecodable cached tool result",
			"tool", toolName, "error", err)
		return nil
	}
	result.CacheHit = true
	return &result
}

// cacheStore persists a successful result, best effort.
func (h *Hub) cacheStore(ctx context.Context, toolName, fingerprint string, ttl time.Duration, result *ToolCallResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := h.cache.SetToolResult(ctx, toolName, fingerprint, data, ttl); err != nil {
		h.logger.Debug("Failed to cache tool result", "tool", toolName, "error", err)
	}
}

// extractText concatenates the text items of an MCP result. Non-text
// content is skipped.
func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close shuts down all sessions and server goroutines.
func (h *Hub) Close() error {
	h.stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, entry := range h.servers {
		if err := entry.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}
	h.servers = make(map[string]*serverEntry)
	h.order = nil
	h.routes = make(map[string]string)
	return firstErr
}
