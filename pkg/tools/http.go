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

// DefaultMaxResponseBytes caps http_fetch response bodies.
const DefaultMaxResponseBytes = 512 << 10

type httpFetchArgs struct {
	URL      string `json:"url" jsonschema:"required,description=Address to fetch over http or https"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Cap on response bytes returned,minimum=0"`
}

// HTTPFetchTool performs a bounded GET request.
type HTTPFetchTool struct {
	client   *http.Client
	maxBytes int
}

func NewHTTPFetchTool(client *http.Client, maxBytes int) *HTTPFetchTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &HTTPFetchTool{client: client, maxBytes: maxBytes}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL with GET and return the response body, capped to a byte budget."
}

func (t *HTTPFetchTool) InputSchema() json.RawMessage { return schemaFor[httpFetchArgs]() }

func (t *HTTPFetchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in httpFetchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	parsed, err := url.Parse(in.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", in.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: only http and https are fetchable", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	limit := t.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return "", fmt.Errorf("read response from %s: %w", in.URL, err)
	}
	truncated := len(body) > limit
	if truncated {
		body = body[:limit]
	}

	return encodeResult(map[string]any{
		"url":          in.URL,
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"bytes":        len(body),
		"truncated":    truncated,
	})
}
