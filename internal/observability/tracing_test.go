package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name: "without endpoint (no-op)",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "test-service",
				Endpoint:     "localhost:4317",
				SamplingRate: 0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTracerStart(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	if ctx == nil {
		t.Fatal("Start() returned nil context")
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	// Should not panic on a real error or on nil.
	tracer.RecordError(span, errors.New("provider timeout"))
	tracer.RecordError(span, nil)
}

func TestSetAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	tracer.SetAttributes(span,
		"provider", "openai",
		"attempt", 2,
		"cached", false,
	)
}

func TestSetAttributesWithInvalidKeyvals(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	// Non-string keys and a trailing odd value are skipped, not panicked on.
	tracer.SetAttributes(span, 42, "value", "key", "value", "dangling")
}

func TestAddEvent(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	tracer.AddEvent(span, "tool_executed",
		"tool_name", "search-google",
		"duration_ms", 250,
	)
}

func TestTraceLLMRequest(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.TraceLLMRequest(context.Background(), "anthropic", "claude-sonnet-4")
	defer span.End()

	if span == nil {
		t.Fatal("TraceLLMRequest() returned nil span")
	}
}

func TestTraceToolExecution(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.TraceToolExecution(context.Background(), "browser-text")
	defer span.End()

	if span == nil {
		t.Fatal("TraceToolExecution() returned nil span")
	}
}

func TestTraceHTTPRequest(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.TraceHTTPRequest(context.Background(), "POST", "/v1/chat/completions")
	defer span.End()

	if span == nil {
		t.Fatal("TraceHTTPRequest() returned nil span")
	}
}

func TestGetTraceID(t *testing.T) {
	// Without an active span the trace ID is empty.
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() on empty context = %q, want empty", id)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want attribute.KeyValue
	}{
		{"string", "k", "v", attribute.String("k", "v")},
		{"int", "k", 42, attribute.Int("k", 42)},
		{"int64", "k", int64(42), attribute.Int64("k", 42)},
		{"float64", "k", 1.5, attribute.Float64("k", 1.5)},
		{"bool", "k", true, attribute.Bool("k", true)},
		{"string slice", "k", []string{"a", "b"}, attribute.StringSlice("k", []string{"a", "b"})},
		{"fallback", "k", struct{ X int }{1}, attribute.String("k", "{1}")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attributeFromValue(tt.key, tt.val)
			if got != tt.want {
				t.Errorf("attributeFromValue(%q, %v) = %v, want %v", tt.key, tt.val, got, tt.want)
			}
		})
	}
}

func TestTracerShutdown(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() returned error: %v", err)
	}
}
