// Package metrics holds the Prometheus collectors for the recommendation
// pipeline. Collectors register with the default registry on import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "placefinder"

var (
	// TurnsTotal counts processed conversational turns.
	// Labels:
	//   - outcome: "final", "forced", "apology", "failed"
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of processed turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration measures a whole reasoning loop run.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of reasoning loop runs in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// LoopIterations records how many tool steps a turn took.
	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Number of tool steps per turn",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// ToolCallsTotal counts tool invocations.
	// Labels:
	//   - tool: tool name
	//   - outcome: "ok", "invalid_input", "unavailable", "error"
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolDuration measures tool latency.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"tool"},
	)

	// BackendFailures counts absorbed backend errors.
	// Labels:
	//   - backend: "embeddings", "vector", "store"
	BackendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Backend errors absorbed into empty results",
		},
		[]string{"backend"},
	)

	// BreakerState exposes circuit breaker state: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// ProfileCacheLookups counts profile cache hits and misses.
	ProfileCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_cache_lookups_total",
			Help:      "Profile cache lookups by result",
		},
		[]string{"result"},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveTool records one tool call.
func ObserveTool(tool, outcome string, elapsed time.Duration) {
	ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}
