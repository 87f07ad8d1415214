package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/pkg/config"
)

// maxSearchResults caps how many results one call may request.
const maxSearchResults = 10

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "The search query"
		},
		"num_results": {
			"type": "integer",
			"minimum": 1,
			"maximum": 10,
			"description": "Number of results to return, defaults to 5"
		},
		"search_type": {
			"type": "string",
			"enum": ["search", "news", "images", "places"],
			"description": "Kind of search to perform, defaults to search"
		}
	},
	"required": ["query"]
}`)

type searchInput struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
	SearchType string `json:"search_type"`
}

type searchOutput struct {
	Query      string           `json:"query"`
	SearchType string           `json:"search_type"`
	Results    []map[string]any `json:"results"`
}

type searchServer struct {
	cfg    config.SearchToolConfig
	client *http.Client
}

// NewSearchServer builds the web-search MCP server backed by a
// Serper-compatible endpoint.
func NewSearchServer(cfg config.SearchToolConfig) *mcpsdk.Server {
	ss := &searchServer{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "search",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "search_web",
		Description: "Search the web and return matching results",
		InputSchema: searchSchema,
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, ss.handleSearch)

	return server
}

func (ss *searchServer) handleSearch(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in searchInput
	if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
		return toolError(fmt.Sprintf("invalid arguments: %s", err)), nil
	}
	if in.NumResults <= 0 {
		in.NumResults = 5
	}
	if in.NumResults > maxSearchResults {
		in.NumResults = maxSearchResults
	}
	if in.SearchType == "" {
		in.SearchType = "search"
	}

	out, err := ss.run(ctx, in)
	if err != nil {
		return toolError(fmt.Sprintf("search for %q failed: %s", in.Query, err)), nil
	}

	text, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("failed to render search results: %s", err)), nil
	}

	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: out,
	}, nil
}

func (ss *searchServer) run(ctx context.Context, in searchInput) (*searchOutput, error) {
	payload, err := json.Marshal(map[string]any{
		"q":   in.Query,
		"num": in.NumResults,
	})
	if err != nil {
		return nil, err
	}

	endpoint := ss.cfg.BaseURL
	if in.SearchType != "search" {
		endpoint += "/" + in.SearchType
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-API-KEY", ss.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := ss.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API returned HTTP %d: %s", resp.StatusCode, detail)
	}

	var data map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return &searchOutput{
		Query:      in.Query,
		SearchType: in.SearchType,
		Results:    parseResults(data, in.SearchType, in.NumResults),
	}, nil
}

// parseResults extracts the per-type result list, keeping only the fields
// the model needs.
func parseResults(data map[string]json.RawMessage, searchType string, limit int) []map[string]any {
	sectionKey := map[string]string{
		"search": "organic",
		"news":   "news",
		"images": "images",
		"places": "places",
	}[searchType]

	keep := map[string][]string{
		"search": {"title", "link", "snippet", "position"},
		"news":   {"title", "link", "snippet", "date", "source"},
		"images": {"title", "imageUrl", "link"},
		"places": {"title", "address", "rating", "reviews"},
	}[searchType]

	var items []map[string]any
	if raw, ok := data[sectionKey]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
	}

	results := make([]map[string]any, 0, limit)
	for _, item := range items {
		if len(results) == limit {
			break
		}
		entry := make(map[string]any, len(keep))
		for _, field := range keep {
			if v, ok := item[field]; ok {
				entry[field] = v
			}
		}
		results = append(results, entry)
	}
	return results
}
