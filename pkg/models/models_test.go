package models

import (
	"strings"
	"testing"
)

func TestParseDeploymentAlias(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  DeploymentAlias
		ok    bool
	}{
		{
			name:  "production alias",
			input: "translator/#1/production",
			want:  DeploymentAlias{AgentID: "translator", SchemaID: 1, Environment: EnvProduction},
			ok:    true,
		},
		{
			name:  "staging alias",
			input: "summarizer/#12/staging",
			want:  DeploymentAlias{AgentID: "summarizer", SchemaID: 12, Environment: EnvStaging},
			ok:    true,
		},
		{
			name:  "concrete model id",
			input: "gpt-4o-mini",
			ok:    false,
		},
		{
			name:  "missing hash",
			input: "translator/1/production",
			ok:    false,
		},
		{
			name:  "bad environment",
			input: "translator/#1/prod",
			ok:    false,
		},
		{
			name:  "zero schema",
			input: "translator/#0/production",
			ok:    false,
		},
		{
			name:  "empty agent",
			input: "/#1/production",
			ok:    false,
		},
		{
			name:  "model with slash but no alias shape",
			input: "accounts/fireworks/models/llama",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDeploymentAlias(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDeploymentAliasRoundTrip(t *testing.T) {
	alias := DeploymentAlias{AgentID: "translator", SchemaID: 3, Environment: EnvDevelopment}
	parsed, ok := ParseDeploymentAlias(alias.String())
	if !ok {
		t.Fatal("round-trip parse failed")
	}
	if parsed != alias {
		t.Errorf("got %+v, want %+v", parsed, alias)
	}
}

func TestContextWindowUsagePercent(t *testing.T) {
	tests := []struct {
		name   string
		usage  Usage
		window int
		want   int
	}{
		{"half used", Usage{InputTokens: 400, OutputTokens: 100}, 1000, 50},
		{"floor division", Usage{InputTokens: 333, OutputTokens: 0}, 1000, 33},
		{"capped at 100", Usage{InputTokens: 2000, OutputTokens: 500}, 1000, 100},
		{"unknown window", Usage{InputTokens: 100, OutputTokens: 100}, 0, 0},
		{"zero tokens", Usage{}, 128000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContextWindowUsagePercent(tt.usage, tt.window); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewRunIDOrdering(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if len(id) != 36 {
			t.Fatalf("unexpected id format: %q", id)
		}
		if prev != "" && strings.Compare(prev, id) > 0 {
			t.Fatalf("ids not time-ordered: %q > %q", prev, id)
		}
		prev = id
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []ContentPart{
		{Type: "text", Text: "hello "},
		{Type: "image_url", URL: "https://example.com/a.png"},
		{Type: "text", Text: "world"},
	}}
	if got := m.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
	if !m.HasImageParts() {
		t.Error("expected image parts")
	}
	if m.HasAudioParts() {
		t.Error("unexpected audio parts")
	}

	plain := Message{Role: RoleUser, Content: "plain"}
	if plain.Text() != "plain" {
		t.Errorf("plain Text() = %q", plain.Text())
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 3, OutputTokens: 2, ReasoningTokens: 7})
	if u.InputTokens != 13 || u.OutputTokens != 7 || u.ReasoningTokens != 7 {
		t.Errorf("unexpected usage after add: %+v", u)
	}
}
