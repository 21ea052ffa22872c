package catalog

// registerBuiltinModels populates the catalog shipped with the gateway.
// Prices are USD per million tokens.
func (c *Catalog) registerBuiltinModels() {
	textCaps := []Capability{CapStreaming, CapTools, CapStructuredOutput}
	visionCaps := append([]Capability{CapImageInput}, textCaps...)

	// OpenAI
	c.Register(&Model{
		ID:              "gpt-4o",
		Name:            "GPT-4o",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		MinMaxTokens:    16,
		Capabilities:    append([]Capability{CapAudioInput}, visionCaps...),
		InputPrice:      2.50,
		OutputPrice:     10.00,
		AudioPrice:      0.0025,
	})
	c.Register(&Model{
		ID:              "gpt-4o-mini",
		Name:            "GPT-4o mini",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		MinMaxTokens:    16,
		Capabilities:    visionCaps,
		InputPrice:      0.15,
		OutputPrice:     0.60,
	})
	c.Register(&Model{
		ID:              "gpt-4.1",
		Name:            "GPT-4.1",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   1047576,
		MaxOutputTokens: 32768,
		MinMaxTokens:    16,
		Capabilities:    visionCaps,
		InputPrice:      2.00,
		OutputPrice:     8.00,
	})
	c.Register(&Model{
		ID:              "gpt-4.1-mini",
		Name:            "GPT-4.1 mini",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   1047576,
		MaxOutputTokens: 32768,
		MinMaxTokens:    16,
		Capabilities:    visionCaps,
		InputPrice:      0.40,
		OutputPrice:     1.60,
	})
	c.Register(&Model{
		ID:              "o4-mini",
		Name:            "o4-mini",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   200000,
		MaxOutputTokens: 100000,
		MinMaxTokens:    16,
		Capabilities:    append([]Capability{CapReasoning}, visionCaps...),
		InputPrice:      1.10,
		OutputPrice:     4.40,
	})
	c.Register(&Model{
		ID:              "gpt-4-turbo",
		Name:            "GPT-4 Turbo",
		Providers:       []Provider{ProviderOpenAI},
		ContextWindow:   128000,
		MaxOutputTokens: 4096,
		MinMaxTokens:    16,
		Capabilities:    visionCaps,
		Deprecated:      true,
		ReplacedBy:      "gpt-4.1",
		InputPrice:      10.00,
		OutputPrice:     30.00,
	})

	// Anthropic
	c.Register(&Model{
		ID:              "claude-sonnet-4-20250514",
		Name:            "Claude Sonnet 4",
		Providers:       []Provider{ProviderAnthropic},
		ContextWindow:   200000,
		MaxOutputTokens: 64000,
		MinMaxTokens:    1,
		Capabilities:    append([]Capability{CapReasoning}, visionCaps...),
		Aliases:         []string{"claude-sonnet-4"},
		InputPrice:      3.00,
		OutputPrice:     15.00,
		ImagePrice:      0.0048,
	})
	c.Register(&Model{
		ID:              "claude-opus-4-20250514",
		Name:            "Claude Opus 4",
		Providers:       []Provider{ProviderAnthropic},
		ContextWindow:   200000,
		MaxOutputTokens: 32000,
		MinMaxTokens:    1,
		Capabilities:    append([]Capability{CapReasoning}, visionCaps...),
		Aliases:         []string{"claude-opus-4"},
		InputPrice:      15.00,
		OutputPrice:     75.00,
		ImagePrice:      0.0048,
	})
	c.Register(&Model{
		ID:              "claude-3-5-haiku-20241022",
		Name:            "Claude 3.5 Haiku",
		Providers:       []Provider{ProviderAnthropic},
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		MinMaxTokens:    1,
		Capabilities:    visionCaps,
		Aliases:         []string{"claude-3-5-haiku"},
		InputPrice:      0.80,
		OutputPrice:     4.00,
		ImagePrice:      0.0013,
	})

	// Google
	c.Register(&Model{
		ID:              "gemini-2.5-flash",
		Name:            "Gemini 2.5 Flash",
		Providers:       []Provider{ProviderGoogle},
		ContextWindow:   1048576,
		MaxOutputTokens: 65536,
		MinMaxTokens:    1,
		Capabilities:    append([]Capability{CapAudioInput, CapReasoning}, visionCaps...),
		InputPrice:      0.30,
		OutputPrice:     2.50,
		AudioPrice:      0.0007,
	})
	c.Register(&Model{
		ID:              "gemini-2.5-pro",
		Name:            "Gemini 2.5 Pro",
		Providers:       []Provider{ProviderGoogle},
		ContextWindow:   1048576,
		MaxOutputTokens: 65536,
		MinMaxTokens:    1,
		Capabilities:    append([]Capability{CapAudioInput, CapReasoning}, visionCaps...),
		InputPrice:      1.25,
		OutputPrice:     10.00,
		AudioPrice:      0.0007,
	})
}
