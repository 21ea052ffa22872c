// Package catalog provides the static registry of language models and
// provider bindings queried by the router.
package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/workflowai/gateway/pkg/models"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Capability identifies a model capability.
type Capability string

const (
	CapStreaming        Capability = "streaming"
	CapTools            Capability = "tools"
	CapStructuredOutput Capability = "structured_output"
	CapImageInput       Capability = "image_input"
	CapAudioInput       Capability = "audio_input"
	CapReasoning        Capability = "reasoning"
)

// Model describes one catalog entry. Entries are immutable once
// published; deprecated models stay in the catalog and carry a
// replacement id.
type Model struct {
	// ID is the model identifier used in API calls.
	ID string `json:"id"`

	// Name is a human-readable name.
	Name string `json:"name"`

	// Providers lists the providers that can serve this model, in
	// preference order.
	Providers []Provider `json:"providers"`

	// ContextWindow is the maximum context size in tokens.
	ContextWindow int `json:"context_window"`

	// MaxOutputTokens is the maximum output size.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// MinMaxTokens is the smallest max_tokens the serving providers
	// accept; requests below it are rejected before dispatch.
	MinMaxTokens int `json:"min_max_tokens,omitempty"`

	// Capabilities lists what the model can do.
	Capabilities []Capability `json:"capabilities"`

	// Aliases are alternative names for this model.
	Aliases []string `json:"aliases,omitempty"`

	// Deprecated marks models that should no longer be used.
	Deprecated bool `json:"deprecated,omitempty"`

	// ReplacedBy is the recommended replacement for deprecated models.
	ReplacedBy string `json:"replaced_by,omitempty"`

	// InputPrice is the price per million input tokens (USD).
	InputPrice float64 `json:"input_price"`

	// OutputPrice is the price per million output tokens (USD).
	OutputPrice float64 `json:"output_price"`

	// ImagePrice is the price per billable image unit (USD), for
	// providers that price images separately from tokens.
	ImagePrice float64 `json:"image_price,omitempty"`

	// AudioPrice is the price per second of audio input (USD).
	AudioPrice float64 `json:"audio_price,omitempty"`
}

// HasCapability checks if the model has a specific capability.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Cost computes the USD cost of one completion's usage at this model's
// prices.
func (m *Model) Cost(u models.Usage) float64 {
	cost := float64(u.InputTokens)*m.InputPrice/1e6 +
		float64(u.OutputTokens+u.ReasoningTokens)*m.OutputPrice/1e6
	cost += float64(u.ImageUnits) * m.ImagePrice
	cost += u.AudioSeconds * m.AudioPrice
	return cost
}

// ServedBy reports whether provider is bound to this model.
func (m *Model) ServedBy(p Provider) bool {
	for _, b := range m.Providers {
		if b == p {
			return true
		}
	}
	return false
}

// Catalog manages the collection of models.
type Catalog struct {
	models  map[string]*Model
	aliases map[string]string
	mu      sync.RWMutex
}

// New creates a catalog pre-populated with the built-in models.
func New() *Catalog {
	c := &Catalog{
		models:  make(map[string]*Model),
		aliases: make(map[string]string),
	}
	c.registerBuiltinModels()
	return c
}

// Register adds a model to the catalog.
func (c *Catalog) Register(model *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model.ID] = model
	for _, alias := range model.Aliases {
		c.aliases[strings.ToLower(alias)] = model.ID
	}
}

// Get retrieves a model by ID or alias.
func (c *Catalog) Get(id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if model, ok := c.models[id]; ok {
		return model, true
	}
	if realID, ok := c.aliases[strings.ToLower(id)]; ok {
		return c.models[realID], true
	}
	return nil, false
}

// Resolve looks up id and follows deprecation redirects to the current
// replacement. The second return is the originally requested entry.
func (c *Catalog) Resolve(id string) (*Model, *Model, bool) {
	requested, ok := c.Get(id)
	if !ok {
		return nil, nil, false
	}
	current := requested
	for current.Deprecated && current.ReplacedBy != "" {
		next, ok := c.Get(current.ReplacedBy)
		if !ok || next == current {
			break
		}
		current = next
	}
	return current, requested, true
}

// List returns all models, optionally filtered, sorted by provider then
// ascending input price.
func (c *Catalog) List(filter *Filter) []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Model
	for _, model := range c.models {
		if filter.Matches(model) {
			result = append(result, model)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Providers[0] != result[j].Providers[0] {
			return result[i].Providers[0] < result[j].Providers[0]
		}
		if result[i].InputPrice != result[j].InputPrice {
			return result[i].InputPrice < result[j].InputPrice
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Filter for querying models.
type Filter struct {
	// Providers to include.
	Providers []Provider

	// Required capabilities (all must be present).
	RequiredCapabilities []Capability

	// Minimum context window.
	MinContextWindow int

	// Include deprecated models.
	IncludeDeprecated bool
}

// Matches checks if a model matches the filter.
func (f *Filter) Matches(m *Model) bool {
	if f == nil {
		return true
	}
	if len(f.Providers) > 0 {
		found := false
		for _, p := range f.Providers {
			if m.ServedBy(p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, cap := range f.RequiredCapabilities {
		if !m.HasCapability(cap) {
			return false
		}
	}
	if f.MinContextWindow > 0 && m.ContextWindow < f.MinContextWindow {
		return false
	}
	if !f.IncludeDeprecated && m.Deprecated {
		return false
	}
	return true
}
