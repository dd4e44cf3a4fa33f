package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/state"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// Chat posts a message and returns the parsed final view of the run.
func (app *TestApp) Chat(t *testing.T, threadID, message string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"threadId": threadID,
		"message":  message,
	}
	return app.postJSON(t, "/chat", body, http.StatusOK)
}

// RunWorkflow posts a message to a phase workflow endpoint.
func (app *TestApp) RunWorkflow(t *testing.T, phase, threadID, message string) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"threadId": threadID,
		"message":  message,
	}
	return app.postJSON(t, "/workflow/"+phase, body, http.StatusOK)
}

// Approve delivers a human verdict for a parked thread.
func (app *TestApp) Approve(t *testing.T, threadID string, approved bool) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"approved": approved}
	return app.postJSON(t, "/thread/"+threadID+"/approve", body, http.StatusOK)
}

// GetThread retrieves the latest checkpointed view of a thread.
func (app *TestApp) GetThread(t *testing.T, threadID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/thread/"+threadID, http.StatusOK)
}

// GetState retrieves the raw state dump of a thread.
func (app *TestApp) GetState(t *testing.T, threadID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/state/"+threadID, http.StatusOK)
}

// GetAgents retrieves the agent roster.
func (app *TestApp) GetAgents(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/agents", http.StatusOK)
}

// GetHealth retrieves the health report.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

// GetMetrics retrieves the JSON metrics snapshot.
func (app *TestApp) GetMetrics(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/metrics", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	status, result, err := app.postJSONStatus(path, body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, status, "POST %s: unexpected status (body: %v)", path, result)
	return result
}

// postJSONStatus posts without asserting, for calls whose outcome depends
// on run timing. Safe to use from a goroutine.
func (app *TestApp) postJSONStatus(path string, body interface{}) (int, map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if app.apiKey != "" {
		req.Header.Set("X-API-Key", app.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode POST %s response: %w", path, err)
	}
	return resp.StatusCode, result, nil
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	if app.apiKey != "" {
		req.Header.Set("X-API-Key", app.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// counterValue digs one engine counter out of a GET /metrics response.
// Missing groups or keys read as zero.
func counterValue(t *testing.T, metricsResp map[string]interface{}, group, key string) int {
	t.Helper()
	engine, ok := metricsResp["engine"].(map[string]interface{})
	require.True(t, ok, "metrics response has no engine section")
	counters, ok := engine[group].(map[string]interface{})
	if !ok {
		return 0
	}
	v, ok := counters[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// ────────────────────────────────────────────────────────────
// Checkpoint store helpers
// ────────────────────────────────────────────────────────────

// LatestState reads the newest checkpoint of a thread straight from the
// store.
func (app *TestApp) LatestState(t *testing.T, threadID string) (*state.State, int) {
	t.Helper()
	st, step, err := app.Store.Latest(context.Background(), threadID)
	require.NoError(t, err)
	return st, step
}

// History reads every checkpoint of a thread in step order.
func (app *TestApp) History(t *testing.T, threadID string) []checkpoint.Snapshot {
	t.Helper()
	snaps, err := app.Store.History(context.Background(), threadID)
	require.NoError(t, err)
	return snaps
}

// WaitForStep blocks until the thread's latest checkpoint reaches the given
// step.
func (app *TestApp) WaitForStep(t *testing.T, threadID string, step int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, got, err := app.Store.Latest(context.Background(), threadID)
		return err == nil && got >= step
	}, 10*time.Second, 50*time.Millisecond, "thread %s never reached step %d", threadID, step)
}

// ────────────────────────────────────────────────────────────
// WebSocket helpers
// ────────────────────────────────────────────────────────────

// wsFor connects to the app's events endpoint subscribed to one thread and
// waits for the subscription acknowledgment, so no event published after
// this call can slip past the client.
func wsFor(t *testing.T, app *TestApp, threadID string) *WSClient {
	t.Helper()
	ws, err := WSConnect(context.Background(), app.WSURL, threadID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_, err = ws.WaitForEventType("subscription.confirmed", 5*time.Second)
	require.NoError(t, err)
	return ws
}

// untilDone reports whether the collected frames end with a done event.
func untilDone(evts []WSEvent) bool {
	sigs := wsSignatures(evts)
	return len(sigs) > 0 && sigs[len(sigs)-1] == "done"
}
