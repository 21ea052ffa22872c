package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	googleSearchEndpoint = "https://customsearch.googleapis.com/customsearch/v1"
	maxSearchResults     = 8
)

// WebSearch is the hosted web-search tool backed by Google Programmable
// Search.
type WebSearch struct {
	apiKey   string
	engineID string
	baseURL  string
	client   *http.Client
}

// NewWebSearch builds the tool. Callers should not register it when the
// API key is empty.
func NewWebSearch(apiKey, engineID string) *WebSearch {
	return &WebSearch{
		apiKey:   apiKey,
		engineID: engineID,
		baseURL:  googleSearchEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WebSearch) Name() string { return "web-search" }

func (w *WebSearch) Description() string {
	return "Search the web and return the top results with title, URL and snippet."
}

func (w *WebSearch) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"}
		},
		"required": ["query"]
	}`)
}

type searchArgs struct {
	Query string `json:"query"`
}

// SearchResult is one entry in the web-search tool output.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (w *WebSearch) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params searchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	q := url.Values{}
	q.Set("key", w.apiKey)
	q.Set("cx", w.engineID)
	q.Set("q", params.Query)
	q.Set("num", strconv.Itoa(maxSearchResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		results = append(results, SearchResult{
			Title:   item.Title,
			URL:     item.Link,
			Snippet: item.Snippet,
		})
	}
	return json.Marshal(map[string]any{"results": results})
}
