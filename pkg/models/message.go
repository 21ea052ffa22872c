package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the normalized message format shared by the wire protocol,
// the provider adapters, and the run store.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// Parts carries multi-modal content. When non-empty it takes
	// precedence over Content.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls contains tool invocation requests emitted by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ContentPart is one piece of a multi-modal message.
type ContentPart struct {
	Type string `json:"type"` // text, image_url, input_audio
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	// Data holds inline base64 payloads for image/audio parts.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Text returns the textual content of the message, flattening parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// HasImageParts reports whether any part is an image.
func (m *Message) HasImageParts() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// HasAudioParts reports whether any part is audio.
func (m *Message) HasAudioParts() bool {
	for _, p := range m.Parts {
		if p.Type == "input_audio" {
			return true
		}
	}
	return false
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallStatus is the terminal state of one tool execution.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
	ToolCallTimeout ToolCallStatus = "timeout"
)

// ToolCallRecord is one executed tool call attached to a run.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// ToolDescriptor declares a client-defined or hosted tool to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// Hosted is true for server-executed tools (web-search, browser-text,
	// perplexity). Client-defined tools stream their calls back to the
	// caller instead of executing server-side.
	Hosted bool `json:"hosted,omitempty"`
}
