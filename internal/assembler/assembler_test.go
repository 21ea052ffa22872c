package assembler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/pkg/models"
)

type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return s.desc }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func newTestAssembler(t *testing.T) (*Assembler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	registry := tools.NewRegistry(
		&stubTool{name: "web-search", desc: "search the web"},
		&stubTool{name: "browser-text", desc: "fetch a page"},
	)
	return New(mem, mem, mem, registry), mem
}

func seedVersion(t *testing.T, mem *store.Memory) *models.Version {
	t.Helper()
	v := &models.Version{
		ID:       "ver-1",
		Tenant:   "acme",
		AgentID:  "support-bot",
		SchemaID: 1,
		Major:    1,
		Minor:    1,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "You help {{ company | default(\"customers\") }}."},
			{Role: models.RoleUser, Content: "{{ question }}"},
		},
		Model:     "gpt-4o",
		Tools:     []string{"web-search"},
		CreatedAt: time.Now(),
	}
	if err := mem.PutVersion(context.Background(), v); err != nil {
		t.Fatal(err)
	}
	err := mem.Deploy(context.Background(), &models.Deployment{
		Tenant:      "acme",
		AgentID:     "support-bot",
		SchemaID:    1,
		Environment: models.EnvProduction,
		VersionID:   "ver-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAssembleResolvesDeploymentAlias(t *testing.T) {
	a, mem := newTestAssembler(t)
	seedVersion(t, mem)

	prompt, err := a.Assemble(context.Background(), &Request{
		Tenant:  "acme",
		AgentID: "support-bot",
		Model:   "support-bot/#1/production",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "ignored client template"},
		},
		Input: map[string]any{"question": "Where is my order?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Model != "gpt-4o" || prompt.VersionID != "ver-1" || prompt.SchemaID != 1 {
		t.Errorf("prompt = %+v", prompt)
	}
	if len(prompt.Messages) != 2 || prompt.Messages[1].Content != "Where is my order?" {
		t.Errorf("messages = %+v", prompt.Messages)
	}
	if prompt.Messages[0].Content != "You help customers." {
		t.Errorf("system = %q", prompt.Messages[0].Content)
	}
	if len(prompt.HostedTools) != 1 || prompt.HostedTools[0].Name != "web-search" {
		t.Errorf("hosted tools = %+v", prompt.HostedTools)
	}
}

func TestAssembleUnknownDeployment(t *testing.T) {
	a, _ := newTestAssembler(t)
	_, err := a.Assemble(context.Background(), &Request{
		Tenant: "acme",
		Model:  "support-bot/#9/production",
	})
	re, ok := models.AsRunError(err)
	if !ok || re.Kind != models.ErrUnknownDeployment {
		t.Fatalf("err = %v", err)
	}
}

func TestAssembleMissingInput(t *testing.T) {
	a, _ := newTestAssembler(t)
	_, err := a.Assemble(context.Background(), &Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "Hello {{ name }}"},
		},
	})
	re, ok := models.AsRunError(err)
	if !ok || re.Kind != models.ErrMissingInput {
		t.Fatalf("err = %v", err)
	}

	// A default() filter satisfies the requirement.
	prompt, err := a.Assemble(context.Background(), &Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: `Hello {{ name | default("there") }}`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Messages[0].Content != "Hello there" {
		t.Errorf("content = %q", prompt.Messages[0].Content)
	}
}

func TestAssembleTemplateInvalid(t *testing.T) {
	a, _ := newTestAssembler(t)
	_, err := a.Assemble(context.Background(), &Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "{% if x %}unterminated"},
		},
	})
	re, ok := models.AsRunError(err)
	if !ok || re.Kind != models.ErrTemplateInvalid {
		t.Fatalf("err = %v", err)
	}
}

func TestAssembleReplyHistory(t *testing.T) {
	a, mem := newTestAssembler(t)
	seedVersion(t, mem)
	err := mem.PutRun(context.Background(), &models.Run{
		ID:      "run-1",
		Tenant:  "acme",
		AgentID: "support-bot",
		RequestMessages: []models.Message{
			{Role: models.RoleSystem, Content: "You help customers."},
			{Role: models.RoleUser, Content: "Where is my order?"},
		},
		ResponseMessages: []models.Message{
			{Role: models.RoleAssistant, Content: "It shipped yesterday."},
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	prompt, err := a.Assemble(context.Background(), &Request{
		Tenant:       "acme",
		AgentID:      "support-bot",
		Model:        "support-bot/#1/production",
		ReplyToRunID: "run-1",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "When will it arrive?"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	// History is prepended verbatim and the stored prompt is not
	// re-applied on top of it.
	if len(prompt.Messages) != 4 {
		t.Fatalf("messages = %+v", prompt.Messages)
	}
	if prompt.Messages[2].Content != "It shipped yesterday." {
		t.Errorf("history order wrong: %+v", prompt.Messages)
	}
	if prompt.Messages[3].Content != "When will it arrive?" {
		t.Errorf("current turn missing: %+v", prompt.Messages)
	}
	if prompt.Model != "gpt-4o" || prompt.VersionID != "ver-1" {
		t.Errorf("version binding lost: %+v", prompt)
	}
}

func TestAssembleUnknownReplyRun(t *testing.T) {
	a, _ := newTestAssembler(t)
	_, err := a.Assemble(context.Background(), &Request{
		Tenant:       "acme",
		AgentID:      "support-bot",
		Model:        "gpt-4o",
		ReplyToRunID: "run-missing",
	})
	re, ok := models.AsRunError(err)
	if !ok || re.Kind != models.ErrInvalidRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestAssembleExpandsHostedToolRefs(t *testing.T) {
	a, _ := newTestAssembler(t)
	prompt, err := a.Assemble(context.Background(), &Request{
		Tenant: "acme",
		Model:  "gpt-4o",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Use @web-search and @browser-text. Ignore @no-such-tool."},
			{Role: models.RoleUser, Content: "hi @web-search"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	system := prompt.Messages[0].Content
	if !strings.Contains(system, "the web-search tool (search the web)") {
		t.Errorf("system = %q", system)
	}
	if !strings.Contains(system, "@no-such-tool") {
		t.Errorf("unknown ref should stay: %q", system)
	}
	// Refs in non-system messages are left alone.
	if prompt.Messages[1].Content != "hi @web-search" {
		t.Errorf("user = %q", prompt.Messages[1].Content)
	}
	if len(prompt.HostedTools) != 2 {
		t.Errorf("hosted tools = %+v", prompt.HostedTools)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]string{"a", "b"}, json.RawMessage(`{"x":1,"y":2}`))
	b := Fingerprint([]string{"a", "b"}, json.RawMessage(`{ "y": 2, "x": 1 }`))
	if a != b {
		t.Error("fingerprint should ignore schema key order and whitespace")
	}
	if c := Fingerprint([]string{"a"}, json.RawMessage(`{"x":1,"y":2}`)); c == a {
		t.Error("different input keys should change the fingerprint")
	}
	if d := Fingerprint([]string{"a", "b"}, nil); d == a {
		t.Error("dropping the schema should change the fingerprint")
	}
}
