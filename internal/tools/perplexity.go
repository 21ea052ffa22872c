package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const perplexityEndpoint = "https://api.perplexity.ai/chat/completions"

// perplexityClient is shared by the three sonar tools. Each tool maps
// to one Perplexity model.
type perplexityClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newPerplexityClient(apiKey string) *perplexityClient {
	return &perplexityClient{
		apiKey:  apiKey,
		baseURL: perplexityEndpoint,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Perplexity is one hosted research tool backed by a Perplexity sonar
// model.
type Perplexity struct {
	client *perplexityClient
	name   string
	model  string
	desc   string
}

// NewPerplexityTools returns the three sonar tools sharing one client.
func NewPerplexityTools(apiKey string) []*Perplexity {
	c := newPerplexityClient(apiKey)
	return []*Perplexity{
		{client: c, name: "perplexity-sonar", model: "sonar",
			desc: "Answer a question with fast web research and cited sources."},
		{client: c, name: "perplexity-sonar-pro", model: "sonar-pro",
			desc: "Answer a question with deeper web research and cited sources."},
		{client: c, name: "perplexity-sonar-reasoning", model: "sonar-reasoning",
			desc: "Answer a complex question with multi-step reasoning over web sources."},
	}
}

func (p *Perplexity) Name() string        { return p.name }
func (p *Perplexity) Description() string { return p.desc }

func (p *Perplexity) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The research question"}
		},
		"required": ["query"]
	}`)
}

func (p *Perplexity) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params searchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	payload, err := json.Marshal(map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": params.Query},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.client.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perplexity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("perplexity API returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Citations []string `json:"citations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode perplexity response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("perplexity returned no choices")
	}
	return json.Marshal(map[string]any{
		"answer":    parsed.Choices[0].Message.Content,
		"citations": parsed.Citations,
	})
}
