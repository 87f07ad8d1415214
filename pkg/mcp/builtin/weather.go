package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/pkg/config"
)

var weatherSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"city": {
			"type": "string",
			"description": "City name in English, e.g. \"Beijing\" or \"New York\""
		},
		"unit": {
			"type": "string",
			"enum": ["celsius", "fahrenheit"],
			"description": "Temperature unit, defaults to celsius"
		}
	},
	"required": ["city"]
}`)

type weatherInput struct {
	City string `json:"city"`
	Unit string `json:"unit"`
}

// weatherReport is the structured result shape fed back to the model.
type weatherReport struct {
	Location    string      `json:"location"`
	Temperature weatherTemp `json:"temperature"`
	Humidity    int         `json:"humidity"`
	Pressure    int         `json:"pressure"`
	Wind        weatherWind `json:"wind"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
}

type weatherTemp struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type weatherWind struct {
	Speed float64 `json:"speed"`
	Unit  string  `json:"unit"`
}

// owmResponse is the slice of the OpenWeatherMap current-weather payload
// the tool consumes.
type owmResponse struct {
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
		Pressure int     `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
}

type weatherServer struct {
	cfg    config.WeatherToolConfig
	client *http.Client
}

// NewWeatherServer builds the weather MCP server backed by an
// OpenWeatherMap-compatible endpoint.
func NewWeatherServer(cfg config.WeatherToolConfig) *mcpsdk.Server {
	ws := &weatherServer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "weather",
		Version: "1.0.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "get_weather",
		Description: "Get current weather information for a city",
		InputSchema: weatherSchema,
		Annotations: &mcpsdk.ToolAnnotations{ReadOnlyHint: true},
	}, ws.handleGetWeather)

	return server
}

func (ws *weatherServer) handleGetWeather(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in weatherInput
	if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
		return toolError(fmt.Sprintf("invalid arguments: %s", err)), nil
	}
	if in.Unit == "" {
		in.Unit = "celsius"
	}

	report, err := ws.fetch(ctx, in.City, in.Unit)
	if err != nil {
		return toolError(fmt.Sprintf("weather lookup for %q failed: %s", in.City, err)), nil
	}

	text, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("failed to render weather report: %s", err)), nil
	}

	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: report,
	}, nil
}

func (ws *weatherServer) fetch(ctx context.Context, city, unit string) (*weatherReport, error) {
	units := "metric"
	windUnit := "m/s"
	if unit == "fahrenheit" {
		units = "imperial"
		windUnit = "mph"
	}

	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", ws.cfg.APIKey)
	q.Set("units", units)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ws.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ws.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("weather API returned HTTP %d: %s", resp.StatusCode, detail)
	}

	var data owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode weather response: %w", err)
	}

	report := &weatherReport{
		Location:    city,
		Temperature: weatherTemp{Value: data.Main.Temp, Unit: unit},
		Humidity:    data.Main.Humidity,
		Pressure:    data.Main.Pressure,
		Wind:        weatherWind{Speed: data.Wind.Speed, Unit: windUnit},
	}
	if len(data.Weather) > 0 {
		report.Description = data.Weather[0].Description
		report.Icon = data.Weather[0].Icon
	}
	return report, nil
}
