package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxSearchResults bounds web_search responses.
const DefaultMaxSearchResults = 5

type webSearchArgs struct {
	Query      string `json:"query" jsonschema:"required,description=Search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Cap on returned results,minimum=1"`
}

// SearchResult is one hit returned by the search endpoint.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool queries a SearXNG-compatible JSON endpoint.
type WebSearchTool struct {
	endpoint   string
	client     *http.Client
	maxResults int
}

func NewWebSearchTool(endpoint string, client *http.Client, maxResults int) *WebSearchTool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxSearchResults
	}
	return &WebSearchTool{endpoint: endpoint, client: client, maxResults: maxResults}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web through the configured search endpoint and return titles, URLs and snippets."
}

func (t *WebSearchTool) InputSchema() json.RawMessage { return schemaFor[webSearchArgs]() }

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in webSearchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if t.endpoint == "" {
		return "", fmt.Errorf("web search endpoint is not configured")
	}

	searchURL, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid search endpoint: %w", err)
	}
	query := url.Values{}
	query.Set("q", in.Query)
	query.Set("format", "json")
	searchURL.Path = "/search"
	searchURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}

	limit := t.maxResults
	if in.MaxResults > 0 && in.MaxResults < limit {
		limit = in.MaxResults
	}

	results := make([]SearchResult, 0, limit)
	for i := 0; i < len(decoded.Results) && i < limit; i++ {
		r := decoded.Results[i]
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}

	return encodeResult(map[string]any{
		"query":   in.Query,
		"results": results,
		"count":   len(results),
	})
}
