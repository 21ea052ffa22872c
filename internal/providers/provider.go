// Package providers contains the per-provider drivers that execute
// normalized chat-completion requests against upstream LLM APIs and
// expose them as a uniform chunk stream.
package providers

import (
	"context"
	"encoding/json"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/pkg/models"
)

// Adapter is the uniform driver contract the router dispatches to.
//
// Implementations must be safe for concurrent use: multiple goroutines
// may call Execute simultaneously for different requests.
type Adapter interface {
	// Name returns the provider identifier.
	Name() catalog.Provider

	// Execute sends a request and returns a stream of chunks. The
	// returned channel is closed when the stream ends; a stream-level
	// failure is delivered as a final chunk with Err set. Errors that
	// occur before any chunk is produced are returned directly.
	Execute(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request is a fully normalized completion request. Messages are
// post-template; Model is the provider-facing model id.
type Request struct {
	Model    string
	Messages []models.Message

	Temperature *float64
	TopP        *float64
	MaxTokens   int

	// Tools carries both hosted and client-defined tool descriptors.
	Tools []models.ToolDescriptor

	// ResponseSchema, when set, requests structured output conforming
	// to the given JSON schema.
	ResponseSchema json.RawMessage

	// Stream is false when the caller wants a single buffered response.
	// Adapters for providers without a streaming API synthesize one
	// TextDelta + Usage + Finish regardless.
	Stream bool
}

// FinishReason is the provider's reason for ending a completion.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCallDelta is one incremental fragment of a streamed tool call.
// Fragments with the same Index belong to the same call; arguments
// arrive as partial JSON and are coalesced by the adapter.
type ToolCallDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// Finish terminates a stream. ToolCalls carries the fully coalesced
// calls when Reason is FinishToolCalls.
type Finish struct {
	Reason    FinishReason
	ToolCalls []models.ToolCall
}

// Chunk is one unit of a streamed provider response. Exactly one of
// the variant fields is set per chunk.
type Chunk struct {
	Text          string
	ToolCallDelta *ToolCallDelta
	Usage         *models.Usage
	Finish        *Finish
	Err           error
}

// accumulator coalesces tool-call fragments by stream index, in first
// appearance order.
type accumulator struct {
	order []int
	calls map[int]*models.ToolCall
	args  map[int]string
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*models.ToolCall), args: make(map[int]string)}
}

func (a *accumulator) add(d ToolCallDelta) {
	if _, ok := a.calls[d.Index]; !ok {
		a.calls[d.Index] = &models.ToolCall{}
		a.order = append(a.order, d.Index)
	}
	tc := a.calls[d.Index]
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name += d.Name
	}
	if d.Args != "" {
		a.args[d.Index] += d.Args
	}
}

// complete returns the coalesced calls in the order their index first
// appeared in the stream.
func (a *accumulator) complete() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tc := a.calls[idx]
		if tc.ID == "" || tc.Name == "" {
			continue
		}
		args := a.args[idx]
		if args == "" {
			args = "{}"
		}
		out = append(out, models.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: json.RawMessage(args)})
	}
	return out
}

// Registry maps provider names to configured adapters.
type Registry struct {
	adapters map[catalog.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[catalog.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider.
func (r *Registry) Get(p catalog.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Names returns the configured provider identifiers.
func (r *Registry) Names() []catalog.Provider {
	out := make([]catalog.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
