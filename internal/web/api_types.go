package web

import (
	"encoding/json"

	"github.com/workflowai/gateway/pkg/models"
)

// chatRequest is the OpenAI chat-completions shape plus the gateway
// extensions carried in metadata and extra_body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	Tools          []wireTool          `json:"tools,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`

	// Metadata selects the agent via the agent_id key; every other key
	// is indexed for run search.
	Metadata map[string]string `json:"metadata,omitempty"`

	ExtraBody *extraBody `json:"extra_body,omitempty"`
}

type extraBody struct {
	Input           map[string]any `json:"input,omitempty"`
	ReplyToRunID    string         `json:"reply_to_run_id,omitempty"`
	UseCache        string         `json:"use_cache,omitempty"`
	WorkflowAITools []string       `json:"workflowai_tools,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// chatResponse is the non-streaming completion envelope.
type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`

	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type chatChoice struct {
	Index         int          `json:"index"`
	Message       *wireMessage `json:"message,omitempty"`
	Delta         *wireDelta   `json:"delta,omitempty"`
	FinishReason  string       `json:"finish_reason,omitempty"`
	FeedbackToken string       `json:"feedback_token,omitempty"`
}

// wireDelta is one streamed choice fragment. The final delta carries
// the feedback token and accounting fields.
type wireDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`

	FeedbackToken   string  `json:"feedback_token,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// errorEnvelope is the single error object shape for terminal errors
// and final stream events.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// feedbackRequest is the unauthenticated feedback submission body.
type feedbackRequest struct {
	FeedbackToken string `json:"feedback_token"`
	Outcome       string `json:"outcome"`
	Comment       string `json:"comment,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// versionRequest creates an immutable version snapshot.
type versionRequest struct {
	Messages     []wireMessage         `json:"messages"`
	Model        string                `json:"model"`
	Sampling     models.SamplingParams `json:"sampling,omitempty"`
	Tools        []string              `json:"tools,omitempty"`
	OutputSchema json.RawMessage       `json:"output_schema,omitempty"`
}

// deployRequest swaps a deployment to the version named in the path.
type deployRequest struct {
	SchemaID    int    `json:"schema_id"`
	Environment string `json:"environment"`
}
