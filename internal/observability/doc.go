// Package observability provides metrics, structured logging, and
// distributed tracing for the gateway.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented with the Prometheus client library and track
// run outcomes, provider request latency and token usage, cache
// lookups, spend per tenant, tool execution performance, HTTP
// request/response timings, and persistence failures. All metric names
// carry the "gateway_" prefix.
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... provider attempt ...
//	metrics.RecordProviderRequest("anthropic", model, "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
// The /metrics endpoint is served by promhttp from the web package.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/run/tenant correlation from context
//   - Sensitive data redaction (API keys, signed tokens, passwords)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddRunID(ctx, run.ID)
//	logger.Info(ctx, "attempt started", "provider", "openai")
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP/gRPC exporter. A span is
// opened per inbound HTTP request, per provider attempt, and per
// hosted tool execution. Tracing is disabled when no collector
// endpoint is configured.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "gateway",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLLMRequest(ctx, "openai", "gpt-4o")
//	defer span.End()
package observability
