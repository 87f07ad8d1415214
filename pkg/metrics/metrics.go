// Package metrics exposes the Prometheus instrumentation for the chat
// backend: turn throughput, LLM call latency and token spend, tool
// dispatch outcomes and live WebSocket connections. Everything registers
// into the default registry, which /metrics serves.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the backend records into. All recording
// methods are nil-safe so collaborators can carry a nil *Metrics in tests
// without guards at the call sites.
type Metrics struct {
	// TurnsTotal counts finished turns. Labels: status
	// (completed|stopped|timeout|error)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures wall-clock turn time in seconds, submit to
	// drain.
	TurnDuration prometheus.Histogram

	// ActiveTurns is the number of turn goroutines currently running.
	ActiveTurns prometheus.Gauge

	// LLMCallsTotal counts model calls. Labels: model, status (the finish
	// reason, or "error" when the stream failed)
	LLMCallsTotal *prometheus.CounterVec

	// LLMCallDuration measures one model call in seconds, request open to
	// terminal frame. Labels: model
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokensTotal counts token spend. Labels: model, type
	// (prompt|completion)
	LLMTokensTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool dispatches. Labels: tool, status
	// (success|error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures one tool dispatch in seconds. Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// WSConnections is the number of live WebSocket connections.
	WSConnections prometheus.Gauge

	// WSConnectionsTotal counts accepted WebSocket connections.
	WSConnectionsTotal prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// New returns the process-wide Metrics instance, registering the
// collectors on first call.
func New() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_turns_total",
					Help: "Total number of finished turns by status",
				},
				[]string{"status"},
			),
			TurnDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_turn_duration_seconds",
					Help:    "Wall-clock duration of turns in seconds",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			ActiveTurns: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_active_turns",
					Help: "Current number of running turns",
				},
			),
			LLMCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_llm_calls_total",
					Help: "Total number of LLM calls by model and status",
				},
				[]string{"model", "status"},
			),
			LLMCallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_llm_call_duration_seconds",
					Help:    "Duration of LLM calls in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
				},
				[]string{"model"},
			),
			LLMTokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_llm_tokens_total",
					Help: "Total number of tokens consumed by model and type",
				},
				[]string{"model", "type"},
			),
			ToolCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_calls_total",
					Help: "Total number of tool dispatches by tool and status",
				},
				[]string{"tool", "status"},
			),
			ToolCallDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_tool_call_duration_seconds",
					Help:    "Duration of tool dispatches in seconds",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
				},
				[]string{"tool"},
			),
			WSConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_ws_connections",
					Help: "Current number of live WebSocket connections",
				},
			),
			WSConnectionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_ws_connections_total",
					Help: "Total number of accepted WebSocket connections",
				},
			),
		}
	})
	return metricsInstance
}

// TurnStarted marks one turn as running.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnFinished records one finished turn.
func (m *Metrics) TurnFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(seconds)
}

// RecordLLMCall records one model call with its token spend.
func (m *Metrics) RecordLLMCall(model, status string, seconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMCallsTotal.WithLabelValues(model, status).Inc()
	m.LLMCallDuration.WithLabelValues(model).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(seconds)
}

// ClientConnected marks one accepted WebSocket connection.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.WSConnectionsTotal.Inc()
}

// ClientDisconnected marks one closed WebSocket connection.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
