package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Run outcomes and latency through the engine
//   - Provider request performance, token usage and spend
//   - Failover attempts per provider/model pair
//   - Hosted tool execution patterns and latencies
//   - Run persistence queue health
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordProviderRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// RunCounter tracks finished runs.
	// Labels: status (success|failed|cancelled), error_kind ("" on success)
	RunCounter *prometheus.CounterVec

	// RunDuration measures end-to-end run latency in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is a gauge of runs currently in flight.
	ActiveRuns prometheus.Gauge

	// ProviderRequestDuration measures provider API call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|reasoning)
	TokensUsed *prometheus.CounterVec

	// SpendUSD accumulates computed cost per provider and model.
	SpendUSD *prometheus.CounterVec

	// AttemptCounter counts router attempts by outcome.
	// Labels: provider, model, outcome (success|retryable|terminal)
	AttemptCounter *prometheus.CounterVec

	// ToolExecutionCounter counts hosted tool invocations.
	// Labels: tool_name, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CacheCounter counts completion cache lookups.
	// Labels: result (hit|miss)
	CacheCounter *prometheus.CounterVec

	// PersistFailures counts run rows the persistence queue dropped or
	// failed to write.
	// Labels: reason (queue_full|write_error)
	PersistFailures *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer, which keeps
// tests isolated from the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_runs_total",
				Help: "Total number of finished runs by status and error kind",
			},
			[]string{"status", "error_kind"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_run_duration_seconds",
				Help:    "End-to-end run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_runs",
				Help: "Number of runs currently executing",
			},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_request_duration_seconds",
				Help:    "Duration of provider API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		SpendUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spend_usd_total",
				Help: "Computed spend in USD by provider and model",
			},
			[]string{"provider", "model"},
		),

		AttemptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_attempts_total",
				Help: "Router attempts by provider, model, and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_executions_total",
				Help: "Total number of hosted tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_tool_execution_duration_seconds",
				Help:    "Duration of hosted tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_completion_cache_lookups_total",
				Help: "Completion cache lookups by result",
			},
			[]string{"result"},
		),

		PersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_persist_failures_total",
				Help: "Run persistence failures by reason",
			},
			[]string{"reason"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status, errorKind string, durationSeconds float64) {
	m.RunCounter.WithLabelValues(status, errorKind).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordProviderRequest records one provider round-trip.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordSpend accumulates run cost against a provider/model pair.
func (m *Metrics) RecordSpend(provider, model string, costUSD float64) {
	if costUSD > 0 {
		m.SpendUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

// RecordAttempt records one router attempt outcome.
func (m *Metrics) RecordAttempt(provider, model, outcome string) {
	m.AttemptCounter.WithLabelValues(provider, model, outcome).Inc()
}

// RecordToolExecution records one hosted tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCacheLookup records a completion cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheCounter.WithLabelValues(result).Inc()
}

// RecordPersistFailure records a dropped or failed run write.
func (m *Metrics) RecordPersistFailure(reason string) {
	m.PersistFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
