package store

import (
	"context"
	"testing"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

func seedRun(t *testing.T, m *Memory, id, model, provider string, status models.RunStatus, cost float64, created time.Time, meta map[string]string) {
	t.Helper()
	err := m.PutRun(context.Background(), &models.Run{
		ID:       id,
		Tenant:   "acme",
		AgentID:  "support-bot",
		Model:    model,
		Provider: provider,
		Status:   status,
		CostUSD:  cost,
		Usage:    models.Usage{InputTokens: 100, OutputTokens: 50},
		Metadata: meta,
		RequestMessages: []models.Message{
			{Role: models.RoleUser, Content: "hello"},
		},
		CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryRunRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedRun(t, m, "run-1", "gpt-4o", "openai", models.RunSuccess, 0.01, time.Now(), nil)

	got, err := m.GetRun(ctx, "acme", "support-bot", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "gpt-4o" || len(got.RequestMessages) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	if _, err := m.GetRun(ctx, "other", "support-bot", "run-1"); err != ErrNotFound {
		t.Errorf("cross-tenant read should fail, got %v", err)
	}
	if err := m.PutRun(ctx, &models.Run{ID: "run-1", Tenant: "acme", AgentID: "support-bot"}); err != ErrAlreadyExists {
		t.Errorf("duplicate id err = %v", err)
	}
}

func TestMemorySearchFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, m, "run-1", "gpt-4o", "openai", models.RunSuccess, 0.02, base, map[string]string{"env": "prod"})
	seedRun(t, m, "run-2", "gpt-4o-mini", "openai", models.RunFailed, 0.001, base.Add(time.Hour), map[string]string{"env": "staging"})
	seedRun(t, m, "run-3", "claude-sonnet-4-20250514", "anthropic", models.RunSuccess, 0.05, base.Add(2*time.Hour), map[string]string{"env": "prod"})

	cases := []struct {
		name    string
		queries []FieldQuery
		wantIDs []string
	}{
		{"by model", []FieldQuery{{Field: "model", Op: OpEq, Value: "gpt-4o"}}, []string{"run-1"}},
		{"by status", []FieldQuery{{Field: "status", Op: OpNe, Value: "failed"}}, []string{"run-3", "run-1"}},
		{"cost range", []FieldQuery{{Field: "cost", Op: OpGt, Value: 0.01}}, []string{"run-3", "run-1"}},
		{"metadata", []FieldQuery{{Field: "metadata.env", Op: OpEq, Value: "prod"}}, []string{"run-3", "run-1"}},
		{"contains", []FieldQuery{{Field: "model", Op: OpContains, Value: "mini"}}, []string{"run-2"}},
		{"in", []FieldQuery{{Field: "provider", Op: OpIn, Value: []any{"anthropic", "google"}}}, []string{"run-3"}},
		{"created_at after", []FieldQuery{{Field: "created_at", Op: OpGte, Value: base.Add(time.Hour).Format(time.RFC3339)}}, []string{"run-3", "run-2"}},
		{"conjunction", []FieldQuery{
			{Field: "metadata.env", Op: OpEq, Value: "prod"},
			{Field: "provider", Op: OpEq, Value: "openai"},
		}, []string{"run-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := m.SearchRuns(ctx, "acme", "support-bot", tc.queries, PageRequest{})
			if err != nil {
				t.Fatal(err)
			}
			if len(page.Items) != len(tc.wantIDs) {
				t.Fatalf("got %d items, want %d: %+v", len(page.Items), len(tc.wantIDs), page.Items)
			}
			for i, want := range tc.wantIDs {
				if page.Items[i].ID != want {
					t.Errorf("item %d = %s, want %s", i, page.Items[i].ID, want)
				}
			}
		})
	}
}

func TestMemorySearchValidation(t *testing.T) {
	m := NewMemory()
	_, err := m.SearchRuns(context.Background(), "acme", "", []FieldQuery{{Field: "request_messages", Op: OpEq, Value: "x"}}, PageRequest{})
	if err == nil {
		t.Error("unsearchable field should be rejected")
	}
	_, err = m.SearchRuns(context.Background(), "acme", "", []FieldQuery{{Field: "model", Op: "~", Value: "x"}}, PageRequest{})
	if err == nil {
		t.Error("unknown operator should be rejected")
	}
}

func TestMemorySearchPagination(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedRun(t, m, "run-"+string(rune('a'+i)), "gpt-4o", "openai", models.RunSuccess, 0, base.Add(time.Duration(i)*time.Minute), nil)
	}
	page, err := m.SearchRuns(context.Background(), "acme", "support-bot", nil, PageRequest{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("page = %d items, hasMore=%v", len(page.Items), page.HasMore)
	}
	// Newest first.
	if page.Items[0].ID != "run-e" {
		t.Errorf("first item = %s", page.Items[0].ID)
	}
	last, err := m.SearchRuns(context.Background(), "acme", "support-bot", nil, PageRequest{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Items) != 1 || last.HasMore {
		t.Errorf("last page = %d items, hasMore=%v", len(last.Items), last.HasMore)
	}
}

func TestMemoryVersionsAndDeployments(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	major, minor, err := m.NextVersionNumbers(ctx, "acme", "support-bot", 1)
	if err != nil || major != 1 || minor != 1 {
		t.Fatalf("first numbers = %d.%d, %v", major, minor, err)
	}
	v := &models.Version{ID: "ver-1", Tenant: "acme", AgentID: "support-bot", SchemaID: 1, Major: 1, Minor: 1, Model: "gpt-4o"}
	if err := m.PutVersion(ctx, v); err != nil {
		t.Fatal(err)
	}
	if _, minor, _ = m.NextVersionNumbers(ctx, "acme", "support-bot", 1); minor != 2 {
		t.Errorf("next minor = %d", minor)
	}

	d := &models.Deployment{Tenant: "acme", AgentID: "support-bot", SchemaID: 1, Environment: models.EnvProduction, VersionID: "ver-1"}
	if err := m.Deploy(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetDeployment(ctx, "acme", "support-bot", 1, models.EnvProduction)
	if err != nil || got.VersionID != "ver-1" {
		t.Fatalf("deployment = %+v, %v", got, err)
	}

	// Atomic swap.
	d2 := &models.Deployment{Tenant: "acme", AgentID: "support-bot", SchemaID: 1, Environment: models.EnvProduction, VersionID: "ver-2"}
	if err := m.Deploy(ctx, d2); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetDeployment(ctx, "acme", "support-bot", 1, models.EnvProduction)
	if got.VersionID != "ver-2" {
		t.Errorf("swap not applied: %+v", got)
	}
}

func TestMemoryFeedbackLastWriterWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &models.Feedback{RunID: "run-1", UserID: "u1", Outcome: models.FeedbackNegative}
	second := &models.Feedback{RunID: "run-1", UserID: "u1", Outcome: models.FeedbackPositive, Comment: "better"}
	other := &models.Feedback{RunID: "run-1", UserID: "u2", Outcome: models.FeedbackNegative}
	for _, f := range []*models.Feedback{first, second, other} {
		if err := m.PutFeedback(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.ListFeedback(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entries, want 2", len(list))
	}
	if list[0].Outcome != models.FeedbackPositive || list[0].Comment != "better" {
		t.Errorf("u1 entry not replaced: %+v", list[0])
	}
}
