// Package store persists runs, versions, deployments and feedback.
// Three implementations share the contract: postgres for production,
// sqlite for single-node deployments, memory for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workflowai/gateway/pkg/models"
)

var (
	// ErrNotFound is returned for lookups of absent entities.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a unique constraint would break.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Op is a field-query comparison operator.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLte      Op = "<="
	OpGt       Op = ">"
	OpGte      Op = ">="
	OpContains Op = "contains"
	OpIn       Op = "in"
)

// FieldQuery is one conjunct of a run search. Field is a hot column
// name or "metadata.<key>".
type FieldQuery struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// searchableFields are the hot columns a FieldQuery may target.
var searchableFields = map[string]bool{
	"created_at":                   true,
	"model":                        true,
	"provider":                     true,
	"status":                       true,
	"cost":                         true,
	"input_tokens":                 true,
	"output_tokens":                true,
	"context_window_usage_percent": true,
}

// Validate rejects queries against unknown fields or with malformed
// operators before they reach a backend.
func (q FieldQuery) Validate() error {
	switch q.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains, OpIn:
	default:
		return fmt.Errorf("unknown operator %q", q.Op)
	}
	if strings.HasPrefix(q.Field, "metadata.") {
		if len(q.Field) == len("metadata.") {
			return errors.New("empty metadata key")
		}
		return nil
	}
	if !searchableFields[q.Field] {
		return fmt.Errorf("unsearchable field %q", q.Field)
	}
	return nil
}

// MetadataKey returns the key for metadata queries, or "" for hot
// columns.
func (q FieldQuery) MetadataKey() string {
	if strings.HasPrefix(q.Field, "metadata.") {
		return q.Field[len("metadata."):]
	}
	return ""
}

// PageRequest bounds a search result.
type PageRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

const defaultPageLimit = 50

func (p PageRequest) limit() int {
	if p.Limit <= 0 || p.Limit > 500 {
		return defaultPageLimit
	}
	return p.Limit
}

// RunPage is one page of search results, newest first.
type RunPage struct {
	Items   []models.RunSummary `json:"items"`
	HasMore bool                `json:"has_more"`
}

// RunStore persists run records. Runs are append-only; PutRun on an
// existing id returns ErrAlreadyExists.
type RunStore interface {
	PutRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, tenant, agentID, runID string) (*models.Run, error)
	GetRunByID(ctx context.Context, runID string) (*models.Run, error)
	SearchRuns(ctx context.Context, tenant, agentID string, queries []FieldQuery, page PageRequest) (*RunPage, error)
}

// VersionStore persists immutable version snapshots.
type VersionStore interface {
	PutVersion(ctx context.Context, v *models.Version) error
	GetVersion(ctx context.Context, tenant, agentID, versionID string) (*models.Version, error)

	// NextVersionNumbers returns the (major, minor) the next save of
	// this schema should take.
	NextVersionNumbers(ctx context.Context, tenant, agentID string, schemaID int) (major, minor int, err error)
}

// DeploymentStore maps (agent, schema, environment) to a version.
type DeploymentStore interface {
	// Deploy swaps the deployment atomically.
	Deploy(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, tenant, agentID string, schemaID int, env models.Environment) (*models.Deployment, error)
}

// FeedbackStore records end-user feedback. One entry per
// (run_id, user_id); later writes replace earlier ones.
type FeedbackStore interface {
	PutFeedback(ctx context.Context, f *models.Feedback) error
	ListFeedback(ctx context.Context, runID string) ([]models.Feedback, error)
}

// Store is the full persistence contract.
type Store interface {
	RunStore
	VersionStore
	DeploymentStore
	FeedbackStore
	Close() error
}

// matchQuery evaluates one conjunct against a run summary. Shared by
// the memory store and by backend tests as the reference semantics.
func matchQuery(s models.RunSummary, q FieldQuery) bool {
	if key := q.MetadataKey(); key != "" {
		v, ok := s.Metadata[key]
		if !ok {
			return false
		}
		return compareStrings(v, q)
	}
	switch q.Field {
	case "created_at":
		t, ok := asTime(q.Value)
		if !ok {
			return false
		}
		return compareTimes(s.CreatedAt, t, q.Op)
	case "model":
		return compareStrings(s.Model, q)
	case "provider":
		return compareStrings(s.Provider, q)
	case "status":
		return compareStrings(string(s.Status), q)
	case "cost":
		return compareNumbers(s.CostUSD, q)
	case "input_tokens":
		return compareNumbers(float64(s.InputTokens), q)
	case "output_tokens":
		return compareNumbers(float64(s.OutputTokens), q)
	case "context_window_usage_percent":
		return compareNumbers(float64(s.ContextWindowUsagePercent), q)
	}
	return false
}

func compareStrings(v string, q FieldQuery) bool {
	switch q.Op {
	case OpEq:
		return v == asString(q.Value)
	case OpNe:
		return v != asString(q.Value)
	case OpContains:
		return strings.Contains(v, asString(q.Value))
	case OpIn:
		for _, item := range asList(q.Value) {
			if v == asString(item) {
				return true
			}
		}
		return false
	case OpLt:
		return v < asString(q.Value)
	case OpLte:
		return v <= asString(q.Value)
	case OpGt:
		return v > asString(q.Value)
	case OpGte:
		return v >= asString(q.Value)
	}
	return false
}

func compareNumbers(v float64, q FieldQuery) bool {
	if q.Op == OpIn {
		for _, item := range asList(q.Value) {
			if n, ok := asNumber(item); ok && v == n {
				return true
			}
		}
		return false
	}
	n, ok := asNumber(q.Value)
	if !ok {
		return false
	}
	switch q.Op {
	case OpEq:
		return v == n
	case OpNe:
		return v != n
	case OpLt:
		return v < n
	case OpLte:
		return v <= n
	case OpGt:
		return v > n
	case OpGte:
		return v >= n
	}
	return false
}

func compareTimes(v, t time.Time, op Op) bool {
	switch op {
	case OpEq:
		return v.Equal(t)
	case OpNe:
		return !v.Equal(t)
	case OpLt:
		return v.Before(t)
	case OpLte:
		return !v.After(t)
	case OpGt:
		return v.After(t)
	case OpGte:
		return !v.Before(t)
	}
	return false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func asList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
