package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Usage holds token counts for one provider completion.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`

	// ImageUnits and AudioSeconds are billable media units for providers
	// that price media separately from tokens.
	ImageUnits   int     `json:"image_units,omitempty"`
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.ImageUnits += other.ImageUnits
	u.AudioSeconds += other.AudioSeconds
}

// Completion is one successful provider round-trip inside a run. A run
// with tool turns has one completion per model turn; cost is summed
// across completions.
type Completion struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Usage    Usage   `json:"usage"`
	CostUSD  float64 `json:"cost_usd"`
}

// AttemptError records one failed provider attempt for diagnostics.
type AttemptError struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message,omitempty"`
	RawCode  string    `json:"raw_code,omitempty"`
}

// Run is one recorded chat-completion execution. Runs are immutable
// once written.
type Run struct {
	ID       string `json:"id"`
	Tenant   string `json:"tenant"`
	AgentID  string `json:"agent_id"`
	SchemaID int    `json:"schema_id,omitempty"`

	// VersionID is set when the run resolved through a deployment alias.
	VersionID string `json:"version_id,omitempty"`

	// Model and Provider record what actually executed, which may differ
	// from the requested model after deprecation redirects or failover.
	Model    string `json:"model"`
	Provider string `json:"provider"`

	RequestMessages  []Message        `json:"request_messages"`
	ResponseMessages []Message        `json:"response_messages,omitempty"`
	ToolCalls        []ToolCallRecord `json:"tool_calls,omitempty"`

	Completions []Completion   `json:"completions,omitempty"`
	Attempts    []AttemptError `json:"attempts,omitempty"`

	Usage                     Usage   `json:"usage"`
	CostUSD                   float64 `json:"cost_usd"`
	ContextWindowUsagePercent int     `json:"context_window_usage_percent"`

	Status    RunStatus `json:"status"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
	FeedbackToken string        `json:"feedback_token,omitempty"`
}

// RunSummary is the compact run representation returned by search.
type RunSummary struct {
	ID                        string            `json:"id"`
	Tenant                    string            `json:"tenant"`
	AgentID                   string            `json:"agent_id"`
	VersionID                 string            `json:"version_id,omitempty"`
	Model                     string            `json:"model"`
	Provider                  string            `json:"provider"`
	Status                    RunStatus         `json:"status"`
	CostUSD                   float64           `json:"cost_usd"`
	InputTokens               int               `json:"input_tokens"`
	OutputTokens              int               `json:"output_tokens"`
	ContextWindowUsagePercent int               `json:"context_window_usage_percent"`
	Metadata                  map[string]string `json:"metadata,omitempty"`
	CreatedAt                 time.Time         `json:"created_at"`
}

// Summary projects a run into its search representation.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		ID:                        r.ID,
		Tenant:                    r.Tenant,
		AgentID:                   r.AgentID,
		VersionID:                 r.VersionID,
		Model:                     r.Model,
		Provider:                  r.Provider,
		Status:                    r.Status,
		CostUSD:                   r.CostUSD,
		InputTokens:               r.Usage.InputTokens,
		OutputTokens:              r.Usage.OutputTokens,
		ContextWindowUsagePercent: r.ContextWindowUsagePercent,
		Metadata:                  r.Metadata,
		CreatedAt:                 r.CreatedAt,
	}
}

// NewRunID returns a time-ordered unique run identifier. UUIDv7 sorts
// by creation time, which keeps primary-key scans in insertion order.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ContextWindowUsagePercent computes the stored usage percentage for a
// known context window. Returns 0 when the window is unknown.
func ContextWindowUsagePercent(usage Usage, contextWindow int) int {
	if contextWindow <= 0 {
		return 0
	}
	pct := (usage.InputTokens + usage.OutputTokens) * 100 / contextWindow
	if pct > 100 {
		return 100
	}
	return pct
}
