package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/workflowai/gateway/internal/assembler"
	"github.com/workflowai/gateway/internal/cache"
	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/internal/engine"
	"github.com/workflowai/gateway/internal/feedback"
	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/internal/providers"
	"github.com/workflowai/gateway/internal/ratelimit"
	"github.com/workflowai/gateway/internal/router"
	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/pkg/models"
)

type fakeAdapter struct {
	name catalog.Provider

	mu     sync.Mutex
	script []*providers.Chunk
	reqs   []*providers.Request
}

func (f *fakeAdapter) Name() catalog.Provider { return f.name }

func (f *fakeAdapter) Execute(_ context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	script := f.script
	f.mu.Unlock()

	ch := make(chan *providers.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) lastRequest() *providers.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

type fixture struct {
	server  *httptest.Server
	store   *store.Memory
	adapter *fakeAdapter
	signer  *feedback.Signer
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	cat := catalog.New()
	cat.Register(&catalog.Model{
		ID:            "test-model",
		Providers:     []catalog.Provider{"alpha"},
		ContextWindow: 1000,
		Capabilities:  []catalog.Capability{catalog.CapStreaming, catalog.CapTools, catalog.CapStructuredOutput},
		InputPrice:    5,
		OutputPrice:   15,
	})

	adapter := &fakeAdapter{name: "alpha", script: []*providers.Chunk{
		{Text: "PONG"},
		{Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
		{Finish: &providers.Finish{Reason: providers.FinishStop}},
	}}
	registry := providers.NewRegistry(adapter)

	mem := store.NewMemory()
	toolReg := tools.NewRegistry()
	signer := feedback.NewSigner("test-secret", 0)

	eng := engine.New(engine.Config{
		Assembler: assembler.New(mem, mem, mem, toolReg),
		Planner:   router.New(cat, registry, router.NewHealth(), 4),
		Providers: registry,
		Tools:     tools.NewOrchestrator(toolReg, logger),
		Registry:  toolReg,
		Catalog:   cat,
		Signer:    signer,
		Queue:     store.NewPersistQueue(mem, logger, 16),
		Cache:     cache.New(cache.Options{}),
		Logger:    logger,
		Metrics:   metrics,
	})

	cfg := Config{
		Engine:      eng,
		Catalog:     cat,
		Registry:    toolReg,
		Feedback:    feedback.NewService(signer, mem),
		Runs:        mem,
		Versions:    mem,
		Deployments: mem,
		APIKeys:     map[string]string{"sk-acme": "acme", "sk-globex": "globex"},
		Logger:      logger,
		Metrics:     metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: mem, adapter: adapter, signer: signer}
}

func (f *fixture) post(t *testing.T, path, key string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// waitForRun polls the store until the persist queue has written the
// run.
func (f *fixture) waitForRun(t *testing.T, runID string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.store.GetRunByID(context.Background(), runID)
		if err == nil {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never persisted", runID)
	return nil
}

func chatBody(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
		"metadata": map[string]string{"agent_id": "support-bot", "env": "test"},
	}
}

func TestChatCompletionsSuccess(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/v1/chat/completions", "sk-acme", chatBody("Say PONG"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeBody[chatResponse](t, resp)
	if out.ID == "" {
		t.Error("no run id")
	}
	if out.CostUSD <= 0 {
		t.Errorf("cost = %v", out.CostUSD)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %+v", out.Choices)
	}
	choice := out.Choices[0]
	if choice.FeedbackToken == "" {
		t.Error("no feedback token")
	}
	var content string
	if err := json.Unmarshal(choice.Message.Content, &content); err != nil || content != "PONG" {
		t.Errorf("content = %s (%v)", choice.Message.Content, err)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}

	run := f.waitForRun(t, out.ID)
	if run.Tenant != "acme" || run.AgentID != "support-bot" {
		t.Errorf("run scope = %s/%s", run.Tenant, run.AgentID)
	}
	if run.Metadata["env"] != "test" {
		t.Errorf("metadata = %+v", run.Metadata)
	}
}

func TestChatCompletionsTemplateInput(t *testing.T) {
	f := newFixture(t, nil)

	body := map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "system", "content": "Translate to French: {{ text }}"},
		},
		"extra_body": map[string]any{
			"input": map[string]any{"text": "Hello"},
		},
	}
	resp := f.post(t, "/v1/chat/completions", "sk-acme", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req := f.adapter.lastRequest()
	if req == nil || len(req.Messages) != 1 {
		t.Fatalf("provider request = %+v", req)
	}
	if req.Messages[0].Content != "Translate to French: Hello" {
		t.Errorf("rendered = %q", req.Messages[0].Content)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.script = []*providers.Chunk{
		{Text: "PO"},
		{Text: "NG"},
		{Usage: &models.Usage{InputTokens: 10, OutputTokens: 5}},
		{Finish: &providers.Finish{Reason: providers.FinishStop}},
	}

	body := chatBody("Say PONG")
	body["stream"] = true
	resp := f.post(t, "/v1/chat/completions", "sk-acme", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var content strings.Builder
	var sawDone, sawToken bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad SSE payload %q: %v", payload, err)
		}
		if len(chunk.Choices) != 1 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta
		content.WriteString(delta.Content)
		if delta.FeedbackToken != "" {
			sawToken = true
			if delta.CostUSD <= 0 {
				t.Errorf("final delta cost = %v", delta.CostUSD)
			}
		}
	}
	if content.String() != "PONG" {
		t.Errorf("streamed content = %q", content.String())
	}
	if !sawDone {
		t.Error("no [DONE] terminator")
	}
	if !sawToken {
		t.Error("final delta carried no feedback token")
	}
}

func TestChatCompletionsRejectsMissingAuth(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/v1/chat/completions", "", chatBody("hi"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeBody[errorEnvelope](t, resp)
	if out.Error.Kind != "auth_failed" {
		t.Errorf("kind = %q", out.Error.Kind)
	}
	if out.Error.RequestID == "" {
		t.Error("no request id in error envelope")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body map[string]any
		kind string
	}{
		{
			name: "missing model",
			body: map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}},
			kind: "invalid_request",
		},
		{
			name: "empty messages without alias",
			body: map[string]any{"model": "test-model"},
			kind: "invalid_request",
		},
		{
			name: "bad use_cache",
			body: map[string]any{
				"model":      "test-model",
				"messages":   []map[string]any{{"role": "user", "content": "hi"}},
				"extra_body": map[string]any{"use_cache": "always"},
			},
			kind: "invalid_request",
		},
		{
			name: "unknown model",
			body: map[string]any{
				"model":    "no-such-model",
				"messages": []map[string]any{{"role": "user", "content": "hi"}},
			},
			kind: "unknown_model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/v1/chat/completions", "sk-acme", tt.body)
			out := decodeBody[errorEnvelope](t, resp)
			if out.Error.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", out.Error.Kind, tt.kind)
			}
		})
	}
}

func TestChatCompletionsRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewTenantLimiter(ratelimit.Limit{RequestsPerMinute: 60, Burst: 1}, nil)
	})

	first := f.post(t, "/v1/chat/completions", "sk-acme", chatBody("hi"))
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second := f.post(t, "/v1/chat/completions", "sk-acme", chatBody("hi"))
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}
	out := decodeBody[errorEnvelope](t, second)
	if out.Error.Kind != "rate_limited" {
		t.Errorf("kind = %q", out.Error.Kind)
	}
}

func TestVersionDeployAliasFlow(t *testing.T) {
	f := newFixture(t, nil)

	created := decodeBody[map[string]any](t, f.post(t,
		"/v1/acme/agents/translator/schemas/1/versions", "sk-acme",
		map[string]any{
			"model": "test-model",
			"messages": []map[string]any{
				{"role": "system", "content": "Translate to French: {{ text }}"},
			},
		}))
	versionID, _ := created["id"].(string)
	if versionID == "" {
		t.Fatalf("create version response = %+v", created)
	}
	if keys, _ := created["input_keys"].([]any); len(keys) != 1 || keys[0] != "text" {
		t.Errorf("input_keys = %+v", created["input_keys"])
	}

	deployResp := f.post(t,
		"/v1/acme/agents/translator/versions/"+versionID+"/deploy", "sk-acme",
		map[string]any{"environment": "production"})
	if deployResp.StatusCode != http.StatusOK {
		t.Fatalf("deploy status = %d", deployResp.StatusCode)
	}
	deployResp.Body.Close()

	resp := f.post(t, "/v1/chat/completions", "sk-acme", map[string]any{
		"model":      "translator/#1/production",
		"metadata":   map[string]string{"agent_id": "translator"},
		"extra_body": map[string]any{"input": map[string]any{"text": "Hello"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	out := decodeBody[chatResponse](t, resp)

	req := f.adapter.lastRequest()
	if req == nil || req.Messages[0].Content != "Translate to French: Hello" {
		t.Fatalf("provider request = %+v", req)
	}

	run := f.waitForRun(t, out.ID)
	if run.VersionID != versionID || run.SchemaID != 1 {
		t.Errorf("run version binding = %s/%d", run.VersionID, run.SchemaID)
	}
}

func TestDeployRejectsUnknownVersion(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t,
		"/v1/acme/agents/translator/versions/nope/deploy", "sk-acme",
		map[string]any{"environment": "production"})
	out := decodeBody[errorEnvelope](t, resp)
	if out.Error.Kind != "invalid_request" {
		t.Errorf("kind = %q", out.Error.Kind)
	}
}

func TestGetRunScopedByTenant(t *testing.T) {
	f := newFixture(t, nil)

	run := &models.Run{
		ID:        models.NewRunID(),
		Tenant:    "acme",
		AgentID:   "support-bot",
		Model:     "test-model",
		Status:    models.RunSuccess,
		CreatedAt: time.Now(),
	}
	if err := f.store.PutRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	resp := f.get(t, "/v1/acme/agents/support-bot/runs/"+run.ID, "sk-acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeBody[models.Run](t, resp)
	if got.ID != run.ID {
		t.Errorf("run id = %s", got.ID)
	}

	// A key for another tenant cannot read the run through its own path.
	other := f.get(t, "/v1/acme/agents/support-bot/runs/"+run.ID, "sk-globex")
	if other.StatusCode != http.StatusUnauthorized {
		t.Errorf("cross-tenant status = %d", other.StatusCode)
	}
	other.Body.Close()
}

func TestSearchRuns(t *testing.T) {
	f := newFixture(t, nil)

	for i, status := range []models.RunStatus{models.RunSuccess, models.RunFailed} {
		run := &models.Run{
			ID:        models.NewRunID(),
			Tenant:    "acme",
			AgentID:   "support-bot",
			Model:     "test-model",
			Status:    status,
			Metadata:  map[string]string{"env": fmt.Sprintf("e%d", i)},
			CreatedAt: time.Now(),
		}
		if err := f.store.PutRun(context.Background(), run); err != nil {
			t.Fatalf("seed run: %v", err)
		}
	}

	resp := f.post(t, "/v1/acme/agents/support-bot/runs/search", "sk-acme",
		[]map[string]any{{"field": "status", "op": "=", "value": "success"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	page := decodeBody[store.RunPage](t, resp)
	if len(page.Items) != 1 || page.Items[0].Status != models.RunSuccess {
		t.Errorf("items = %+v", page.Items)
	}

	bad := f.post(t, "/v1/acme/agents/support-bot/runs/search", "sk-acme",
		[]map[string]any{{"field": "no_such_field", "op": "=", "value": 1}})
	out := decodeBody[errorEnvelope](t, bad)
	if out.Error.Kind != "invalid_request" {
		t.Errorf("kind = %q", out.Error.Kind)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	runID := models.NewRunID()
	token, err := f.signer.Sign(runID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := f.post(t, "/v1/feedback", "", map[string]any{
		"feedback_token": token,
		"outcome":        "positive",
		"user_id":        "u1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Re-submission for the same (run, user) replaces the entry.
	resp = f.post(t, "/v1/feedback", "", map[string]any{
		"feedback_token": token,
		"outcome":        "negative",
		"user_id":        "u1",
	})
	resp.Body.Close()

	entries, err := f.store.ListFeedback(context.Background(), runID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != models.FeedbackNegative {
		t.Errorf("entries = %+v", entries)
	}

	bad := f.post(t, "/v1/feedback", "", map[string]any{
		"feedback_token": token + "tampered",
		"outcome":        "positive",
	})
	out := decodeBody[errorEnvelope](t, bad)
	if out.Error.Kind != "invalid_request" {
		t.Errorf("kind = %q", out.Error.Kind)
	}
}

func TestHostedToolsUnauthenticated(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Registry = tools.NewRegistry(tools.NewBrowser())
	})

	resp := f.get(t, "/v1/tools/hosted", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries := decodeBody[[]map[string]string](t, resp)
	if len(entries) != 1 || entries[0]["name"] != "browser-text" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/v1/models", "sk-acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeBody[map[string]json.RawMessage](t, resp)
	var list []catalog.Model
	if err := json.Unmarshal(out["data"], &list); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(list) != 1 || list[0].ID != "test-model" {
		t.Errorf("models = %+v", list)
	}

	unauth := f.get(t, "/v1/models", "")
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", unauth.StatusCode)
	}
	unauth.Body.Close()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
