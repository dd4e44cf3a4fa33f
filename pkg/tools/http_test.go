package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 100))
	}))
	defer server.Close()

	t.Run("returns body and status", func(t *testing.T) {
		tool := NewHTTPFetchTool(server.Client(), 0)
		raw, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+server.URL+`"}`))
		require.NoError(t, err)

		result := decodeResult(t, raw)
		assert.Equal(t, float64(200), result["status_code"])
		assert.Equal(t, "text/plain", result["content_type"])
		assert.Equal(t, strings.Repeat("a", 100), result["body"])
		assert.Equal(t, false, result["truncated"])
	})

	t.Run("caps response size", func(t *testing.T) {
		tool := NewHTTPFetchTool(server.Client(), 10)
		raw, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+server.URL+`"}`))
		require.NoError(t, err)

		result := decodeResult(t, raw)
		assert.Equal(t, strings.Repeat("a", 10), result["body"])
		assert.Equal(t, true, result["truncated"])
	})

	t.Run("per-call cap only shortens", func(t *testing.T) {
		tool := NewHTTPFetchTool(server.Client(), 50)
		raw, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+server.URL+`","max_bytes":200}`))
		require.NoError(t, err)

		result := decodeResult(t, raw)
		assert.Equal(t, float64(50), result["bytes"])
	})

	t.Run("rejects non-http schemes", func(t *testing.T) {
		tool := NewHTTPFetchTool(nil, 0)
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"file:///etc/passwd"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported scheme")
	})
}

func TestWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "golang channels", r.URL.Query().Get("q"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[
			{"title":"Effective Go","url":"https://go.dev/doc/effective_go","content":"Channels combine communication"},
			{"title":"Go by Example","url":"https://gobyexample.com/channels","content":"Channels are pipes"},
			{"title":"Tour of Go","url":"https://go.dev/tour/concurrency/2","content":"Send and receive values"}
		]}`)
	}))
	defer server.Close()

	t.Run("returns bounded results", func(t *testing.T) {
		tool := NewWebSearchTool(server.URL, server.Client(), 2)
		raw, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang channels"}`))
		require.NoError(t, err)

		result := decodeResult(t, raw)
		assert.Equal(t, float64(2), result["count"])
		assert.Contains(t, raw, "Effective Go")
		assert.NotContains(t, raw, "Tour of Go")
	})

	t.Run("per-call cap only shortens", func(t *testing.T) {
		tool := NewWebSearchTool(server.URL, server.Client(), 3)
		raw, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang channels","max_results":1}`))
		require.NoError(t, err)

		result := decodeResult(t, raw)
		assert.Equal(t, float64(1), result["count"])
	})

	t.Run("unconfigured endpoint fails", func(t *testing.T) {
		tool := NewWebSearchTool("", nil, 0)
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"anything"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	})
}
