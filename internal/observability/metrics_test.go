package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordRun("success", "", 1.5)
	m.RecordRun("success", "", 0.2)
	m.RecordRun("failed", "rate_limited", 0.1)

	expected := `
		# HELP gateway_runs_total Total number of finished runs by status and error kind
		# TYPE gateway_runs_total counter
		gateway_runs_total{error_kind="",status="success"} 2
		gateway_runs_total{error_kind="rate_limited",status="failed"} 1
	`
	if err := testutil.CollectAndCompare(m.RunCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordProviderRequest("openai", "gpt-4o", "success", 0.8, 100, 50)
	m.RecordProviderRequest("openai", "gpt-4o", "error", 0.1, 0, 0)

	expected := `
		# HELP gateway_provider_requests_total Total number of provider requests by provider, model, and status
		# TYPE gateway_provider_requests_total counter
		gateway_provider_requests_total{model="gpt-4o",provider="openai",status="error"} 1
		gateway_provider_requests_total{model="gpt-4o",provider="openai",status="success"} 1
	`
	if err := testutil.CollectAndCompare(m.ProviderRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}

	tokens := `
		# HELP gateway_tokens_total Total number of tokens used by provider, model, and type
		# TYPE gateway_tokens_total counter
		gateway_tokens_total{model="gpt-4o",provider="openai",type="input"} 100
		gateway_tokens_total{model="gpt-4o",provider="openai",type="output"} 50
	`
	if err := testutil.CollectAndCompare(m.TokensUsed, strings.NewReader(tokens)); err != nil {
		t.Errorf("unexpected token metric: %v", err)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	expected := `
		# HELP gateway_completion_cache_lookups_total Completion cache lookups by result
		# TYPE gateway_completion_cache_lookups_total counter
		gateway_completion_cache_lookups_total{result="hit"} 1
		gateway_completion_cache_lookups_total{result="miss"} 2
	`
	if err := testutil.CollectAndCompare(m.CacheCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordSpendIgnoresZero(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordSpend("openai", "gpt-4o", 0)
	if count := testutil.CollectAndCount(m.SpendUSD); count != 0 {
		t.Errorf("zero spend should not create a series, got %d", count)
	}
	m.RecordSpend("openai", "gpt-4o", 0.25)
	if got := testutil.ToFloat64(m.SpendUSD.WithLabelValues("openai", "gpt-4o")); got != 0.25 {
		t.Errorf("spend = %v", got)
	}
}

func TestRecordAttemptAndTool(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordAttempt("anthropic", "claude-sonnet-4", "retryable")
	m.RecordAttempt("openai", "gpt-4o", "success")
	if count := testutil.CollectAndCount(m.AttemptCounter); count != 2 {
		t.Errorf("attempt series = %d", count)
	}

	m.RecordToolExecution("web-search", "success", 0.3)
	m.RecordToolExecution("web-search", "timeout", 15)
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web-search", "timeout")); got != 1 {
		t.Errorf("timeout count = %v", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordHTTPRequest("POST", "/v1/chat/completions", "200", 0.5)
	m.RecordHTTPRequest("POST", "/v1/chat/completions", "429", 0.01)

	if count := testutil.CollectAndCount(m.HTTPRequestCounter); count != 2 {
		t.Errorf("http series = %d", count)
	}
}
