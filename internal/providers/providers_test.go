package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/workflowai/gateway/pkg/models"
)

func TestAccumulatorCoalescesFragments(t *testing.T) {
	acc := newAccumulator()
	acc.add(ToolCallDelta{Index: 0, ID: "call_1", Name: "get_weather"})
	acc.add(ToolCallDelta{Index: 0, Args: `{"city":`})
	acc.add(ToolCallDelta{Index: 1, ID: "call_2", Name: "search"})
	acc.add(ToolCallDelta{Index: 0, Args: `"Paris"}`})
	acc.add(ToolCallDelta{Index: 1, Args: `{"q":"go"}`})

	calls := acc.complete()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || string(calls[0].Arguments) != `{"city":"Paris"}` {
		t.Errorf("first call = %s %s", calls[0].ID, calls[0].Arguments)
	}
	if calls[1].ID != "call_2" || calls[1].Name != "search" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestAccumulatorEmptyArgsDefault(t *testing.T) {
	acc := newAccumulator()
	acc.add(ToolCallDelta{Index: 0, ID: "call_1", Name: "ping"})
	calls := acc.complete()
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Fatalf("got %+v, want single call with {} args", calls)
	}
}

func TestAccumulatorDropsIncomplete(t *testing.T) {
	acc := newAccumulator()
	acc.add(ToolCallDelta{Index: 0, Args: `{"orphan":true}`})
	if calls := acc.complete(); len(calls) != 0 {
		t.Fatalf("fragment without id/name should be dropped, got %+v", calls)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{529, KindOverloaded},
		{401, KindAuthFailed},
		{403, KindAuthFailed},
		{400, KindBadRequest},
		{408, KindTimeout},
		{500, KindInternal},
		{503, KindInternal},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("rate limit exceeded, slow down"), KindRateLimited},
		{errors.New("model overloaded"), KindOverloaded},
		{errors.New("prompt is too long: 250000 tokens"), KindContextWindowExceeded},
		{errors.New("this model's maximum context length is 128000 tokens"), KindContextWindowExceeded},
		{errors.New("connection refused"), KindNetwork},
		{errors.New("invalid api key provided"), KindAuthFailed},
		{errors.New("something unexpected"), KindInternal},
	}
	for _, tc := range cases {
		if got := classifyMessage(tc.err); got != tc.want {
			t.Errorf("classifyMessage(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimited, KindOverloaded, KindTimeout, KindNetwork, KindInternal}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	terminal := []ErrorKind{KindBadRequest, KindAuthFailed, KindContextWindowExceeded, KindContentFiltered}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestAsErrorUnwrapsChain(t *testing.T) {
	inner := &Error{Kind: KindRateLimited, Provider: "openai"}
	wrapped := errors.Join(errors.New("attempt 2 failed"), inner)
	pe, ok := AsError(wrapped)
	if !ok || pe.Kind != KindRateLimited {
		t.Fatalf("AsError = %v, %v", pe, ok)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
}

func TestRetryAfterFromMessage(t *testing.T) {
	msg := "Rate limit reached for gpt-4o. Please try again in 20s. Visit the docs."
	if d := retryAfterFromMessage(msg); d != 20*time.Second {
		t.Errorf("got %v, want 20s", d)
	}
	if d := retryAfterFromMessage("no hint here"); d != 0 {
		t.Errorf("got %v, want 0", d)
	}
}

func TestOpenAIWrapError(t *testing.T) {
	p := &OpenAI{}

	e := p.wrapError("gpt-4o", &openai.APIError{
		HTTPStatusCode: 400,
		Message:        "This model's maximum context length is 128000 tokens.",
	})
	if e.Kind != KindContextWindowExceeded {
		t.Errorf("context overflow kind = %s", e.Kind)
	}

	e = p.wrapError("gpt-4o", &openai.APIError{
		HTTPStatusCode: 429,
		Code:           "insufficient_quota",
		Message:        "quota exceeded",
	})
	if e.Kind != KindRateLimited || e.RawCode != "insufficient_quota" {
		t.Errorf("quota error = %+v", e)
	}

	e = p.wrapError("gpt-4o", errors.New("dial tcp: connection refused"))
	if e.Kind != KindNetwork {
		t.Errorf("transport error kind = %s", e.Kind)
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "lookup", Arguments: []byte(`{"k":"v"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "call_1", Content: "42"},
	}
	out := toOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool call not carried: %+v", out[2])
	}
	if out[3].ToolCallID != "call_1" || out[3].Content != "42" {
		t.Errorf("tool result not carried: %+v", out[3])
	}
}

func TestToOpenAIMessagesMultimodal(t *testing.T) {
	msgs := []models.Message{{
		Role: models.RoleUser,
		Parts: []models.ContentPart{
			{Type: "text", Text: "what is this?"},
			{Type: "image_url", Data: "aGk=", MimeType: "image/png"},
		},
	}}
	out := toOpenAIMessages(msgs)
	if len(out[0].MultiContent) != 2 {
		t.Fatalf("multi content = %+v", out[0].MultiContent)
	}
	img := out[0].MultiContent[1]
	if img.ImageURL == nil || img.ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Errorf("image part = %+v", img)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]models.Message{
		{Role: models.RoleSystem, Content: "first"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "second"},
	})
	if system != "first\n\nsecond" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Role != models.RoleUser {
		t.Errorf("rest = %+v", rest)
	}
}

func TestAnthropicFinishFor(t *testing.T) {
	p := &Anthropic{}
	acc := newAccumulator()
	acc.add(ToolCallDelta{Index: 0, ID: "toolu_1", Name: "search", Args: `{}`})

	f := p.finishFor("tool_use", acc)
	if f.Reason != FinishToolCalls || len(f.ToolCalls) != 1 {
		t.Errorf("tool_use finish = %+v", f)
	}
	if f := p.finishFor("max_tokens", newAccumulator()); f.Reason != FinishLength {
		t.Errorf("max_tokens finish = %+v", f)
	}
	if f := p.finishFor("end_turn", newAccumulator()); f.Reason != FinishStop {
		t.Errorf("end_turn finish = %+v", f)
	}
}

func TestToGeminiSchema(t *testing.T) {
	schema := toGeminiSchema(map[string]any{
		"type":        "object",
		"description": "query input",
		"properties": map[string]any{
			"q":     map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []any{"q"},
	})
	if string(schema.Type) != "OBJECT" {
		t.Errorf("type = %s", schema.Type)
	}
	if len(schema.Properties) != 2 || schema.Properties["q"] == nil {
		t.Errorf("properties = %+v", schema.Properties)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToolNamesByCallID(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_x_1", Name: "x"},
		}},
		{Role: models.RoleTool, ToolCallID: "call_x_1", Content: `{"ok":true}`},
	}
	names := toolNamesByCallID(msgs)
	if names["call_x_1"] != "x" {
		t.Errorf("names = %v", names)
	}
}

func TestRegistry(t *testing.T) {
	o := &OpenAI{}
	r := NewRegistry(o)
	if got, ok := r.Get(o.Name()); !ok || got != Adapter(o) {
		t.Fatal("registered adapter not returned")
	}
	if _, ok := r.Get("nope"); ok {
		t.Error("unexpected adapter for unknown provider")
	}
	if len(r.Names()) != 1 {
		t.Errorf("names = %v", r.Names())
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan *Chunk) // unbuffered, nobody reading
	if send(ctx, ch, &Chunk{Text: "x"}) {
		t.Error("send should fail once context is cancelled")
	}
}
