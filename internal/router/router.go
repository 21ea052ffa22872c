// Package router plans the ordered list of (provider, model) attempts
// for a request. The run engine consumes attempts in order, advancing
// on retryable failures and stopping on terminal ones.
package router

import (
	"sort"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/internal/providers"
	"github.com/workflowai/gateway/pkg/models"
)

// DefaultMaxAttempts caps the plan length.
const DefaultMaxAttempts = 4

// Attempt is one (provider, model) execution candidate.
type Attempt struct {
	Provider catalog.Provider
	Model    string
}

// Needs captures the capabilities a request requires.
type Needs struct {
	Streaming        bool
	Tools            bool
	StructuredOutput bool
	ImageInput       bool
	AudioInput       bool
}

// NeedsOf derives the required capabilities from a normalized request.
func NeedsOf(stream bool, tools int, schema bool, msgs []models.Message) Needs {
	n := Needs{Streaming: stream, Tools: tools > 0, StructuredOutput: schema}
	for _, m := range msgs {
		if m.HasImageParts() {
			n.ImageInput = true
		}
		if m.HasAudioParts() {
			n.AudioInput = true
		}
	}
	return n
}

func (n Needs) capabilities() []catalog.Capability {
	var caps []catalog.Capability
	if n.Streaming {
		caps = append(caps, catalog.CapStreaming)
	}
	if n.Tools {
		caps = append(caps, catalog.CapTools)
	}
	if n.StructuredOutput {
		caps = append(caps, catalog.CapStructuredOutput)
	}
	if n.ImageInput {
		caps = append(caps, catalog.CapImageInput)
	}
	if n.AudioInput {
		caps = append(caps, catalog.CapAudioInput)
	}
	return caps
}

// TenantPolicy carries per-tenant routing overrides.
type TenantPolicy struct {
	// AllowedProviders restricts the plan when non-empty.
	AllowedProviders []catalog.Provider

	// FallbackOrder ranks providers after the explicit model match.
	FallbackOrder []catalog.Provider

	// OwnKeys marks providers the tenant supplies keys for; those are
	// preferred for models they serve.
	OwnKeys map[catalog.Provider]bool
}

func (p *TenantPolicy) allows(provider catalog.Provider) bool {
	if p == nil || len(p.AllowedProviders) == 0 {
		return true
	}
	for _, a := range p.AllowedProviders {
		if a == provider {
			return true
		}
	}
	return false
}

// unranked sorts after every explicit fallback position.
const unranked = 1 << 30

func (p *TenantPolicy) fallbackRank(provider catalog.Provider) int {
	if p == nil {
		return unranked
	}
	for i, f := range p.FallbackOrder {
		if f == provider {
			return i
		}
	}
	return unranked
}

func (p *TenantPolicy) ownKey(provider catalog.Provider) bool {
	return p != nil && p.OwnKeys[provider]
}

// Request is the input to attempt planning.
type Request struct {
	// Model is the requested model id. Deprecated ids resolve to
	// their replacement during planning.
	Model string

	Needs  Needs
	Policy *TenantPolicy

	// ExpectedTokens sizes the cost estimate; zero uses a default.
	ExpectedTokens int
}

// Planner builds attempt plans from the catalog, configured adapters
// and live health scores.
type Planner struct {
	catalog     *catalog.Catalog
	registry    *providers.Registry
	health      *Health
	maxAttempts int
}

// New creates a planner. maxAttempts <= 0 uses DefaultMaxAttempts.
func New(c *catalog.Catalog, r *providers.Registry, h *Health, maxAttempts int) *Planner {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if h == nil {
		h = NewHealth()
	}
	return &Planner{catalog: c, registry: r, health: h, maxAttempts: maxAttempts}
}

// Health exposes the tracker so the engine can report outcomes.
func (pl *Planner) Health() *Health { return pl.health }

type candidate struct {
	attempt  Attempt
	explicit bool
	fallback int
	ownKey   bool
	health   float64
	cost     float64
}

// Plan produces the ordered attempts for a request. A deprecated model
// with a replacement plans the replacement, so attempts always carry
// the model that actually executes. An empty plan with a nil error
// never happens; no viable pair yields ErrNoCandidates.
func (pl *Planner) Plan(req Request) ([]Attempt, error) {
	current, _, ok := pl.catalog.Resolve(req.Model)
	if !ok {
		return nil, models.NewRunError(models.ErrUnknownModel, "unknown model %s", req.Model)
	}
	required := req.Needs.capabilities()
	expected := req.ExpectedTokens
	if expected <= 0 {
		expected = 4096
	}

	var cands []candidate
	for _, m := range pl.candidateModels(current) {
		if !hasAll(m, required) {
			continue
		}
		for _, provider := range m.Providers {
			if !req.Policy.allows(provider) {
				continue
			}
			if _, configured := pl.registry.Get(provider); !configured {
				continue
			}
			if !pl.health.Available(provider, m.ID) {
				continue
			}
			est := m.Cost(models.Usage{InputTokens: expected, OutputTokens: expected / 4})
			cands = append(cands, candidate{
				attempt:  Attempt{Provider: provider, Model: m.ID},
				explicit: m.ID == current.ID,
				fallback: req.Policy.fallbackRank(provider),
				ownKey:   req.Policy.ownKey(provider),
				health:   pl.health.Score(provider, m.ID),
				cost:     est,
			})
		}
	}
	if len(cands) == 0 {
		return nil, models.NewRunError(models.ErrProviderUnavailable,
			"no provider can serve %s with the required capabilities", req.Model)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.explicit != b.explicit {
			return a.explicit
		}
		if a.ownKey != b.ownKey {
			return a.ownKey
		}
		if a.fallback != b.fallback {
			return a.fallback < b.fallback
		}
		if a.health != b.health {
			return a.health > b.health
		}
		return a.cost < b.cost
	})

	return capAttempts(cands, pl.maxAttempts), nil
}

// candidateModels returns the planned model plus catalog models that
// could stand in for it on failover. Deprecated entries never appear
// as stand-ins.
func (pl *Planner) candidateModels(current *catalog.Model) []*catalog.Model {
	out := []*catalog.Model{current}
	for _, m := range pl.catalog.List(nil) {
		if m.ID == current.ID || m.Deprecated {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasAll(m *catalog.Model, required []catalog.Capability) bool {
	for _, c := range required {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// capAttempts trims the sorted candidates to the attempt cap, keeping
// distinct providers while possible.
func capAttempts(cands []candidate, maxAttempts int) []Attempt {
	seen := make(map[catalog.Provider]bool)
	var out []Attempt
	for _, c := range cands {
		if len(out) >= maxAttempts {
			break
		}
		if seen[c.attempt.Provider] {
			continue
		}
		seen[c.attempt.Provider] = true
		out = append(out, c.attempt)
	}
	// Second pass relaxes the distinct-provider preference.
	for _, c := range cands {
		if len(out) >= maxAttempts {
			break
		}
		if containsAttempt(out, c.attempt) {
			continue
		}
		out = append(out, c.attempt)
	}
	return out
}

func containsAttempt(list []Attempt, a Attempt) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
