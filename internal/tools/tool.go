// Package tools hosts the server-side tool implementations and the
// orchestrator that runs them during the tool loop.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/workflowai/gateway/pkg/models"
)

// Tool is one hosted tool. Execute returns the JSON result the model
// sees; an error becomes a tool-result with an error field, never a
// run failure.
type Tool interface {
	Name() string
	Description() string

	// Schema is the JSON schema of the arguments object.
	Schema() json.RawMessage

	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns the tool descriptors for the given names. Names
// without a registered tool are skipped.
func (r *Registry) Descriptors(names []string) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ToolDescriptor
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, models.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
			Hosted:      true,
		})
	}
	return out
}

// AllDescriptors returns descriptors for every registered tool.
func (r *Registry) AllDescriptors() []models.ToolDescriptor {
	return r.Descriptors(r.Names())
}
