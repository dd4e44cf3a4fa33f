package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/queue"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/state"
)

func TestChatRunsToCompletion(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.script(router.Name, routeTo(agent.Writer), routeTo(state.Finish))
	ts.gw.script(agent.Writer, textResp("Here is the welcome note."))

	w := ts.request(t, http.MethodPost, "/chat",
		`{"message": "help me welcome the new team", "threadId": "chat-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[ChatResponse](t, w)
	assert.Equal(t, "chat-1", resp.ThreadID)
	assert.Equal(t, "Here is the welcome note.", resp.Result)
	assert.Equal(t, []string{agent.Writer}, resp.Contributors)
	require.Len(t, resp.History, 2)
	assert.Equal(t, state.RoleUser, resp.History[0].Role)
	assert.False(t, resp.RequiresApproval)

	// The run checkpointed; the thread is resumable after a restart.
	st, step, err := ts.store.Latest(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 3, step)
	assert.Equal(t, state.Finish, st.Next)
}

func TestChatMintsThreadID(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.script(router.Name, routeTo(state.Finish))

	w := ts.request(t, http.MethodPost, "/chat", `{"message": "hi"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[ChatResponse](t, w)
	assert.NotEmpty(t, resp.ThreadID)
	assert.NotNil(t, resp.Contributors)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "malformed json",
			body: `{"message":`,
			want: "",
		},
		{
			name: "missing message",
			body: `{"threadId": "v1"}`,
			want: "message is required",
		},
		{
			name: "oversized message",
			body: `{"message": "` + strings.Repeat("a", maxMessageLen+1) + `"}`,
			want: "maximum length",
		},
		{
			name: "unknown mode",
			body: `{"message": "hi", "mode": "autopilot"}`,
			want: "mode must be router or supervisor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.request(t, http.MethodPost, "/chat", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			if tt.want != "" {
				assert.Contains(t, decodeJSON[ErrorResponse](t, w).Error, tt.want)
			}
		})
	}
}

func TestChatConflictsWithActiveRun(t *testing.T) {
	ts := newTestServer(t)

	blocked := make(chan struct{})
	slow := routeTo(state.Finish)
	slow.block = blocked
	ts.gw.script(router.Name, slow)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- ts.request(t, http.MethodPost, "/chat", `{"message": "hi", "threadId": "busy-1"}`, nil)
	}()
	require.Eventually(t, func() bool {
		return ts.pool.Health().Active == 1
	}, time.Second, 5*time.Millisecond)

	w := ts.request(t, http.MethodPost, "/chat", `{"message": "again", "threadId": "busy-1"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeJSON[ErrorResponse](t, w).Error, "busy")

	close(blocked)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestChatStreamEmitsFrames(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.script(router.Name, routeTo(agent.Writer), routeTo(state.Finish))
	ts.gw.script(agent.Writer, textResp("All set."))

	w := ts.request(t, http.MethodPost, "/chat/stream",
		`{"message": "help me welcome the new team", "threadId": "stream-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: thread\n"), "stream should open with the thread frame, got %q", body)
	assert.Contains(t, body, "event: handoff")
	assert.Contains(t, body, "event: agent_start")
	assert.Contains(t, body, `"agent":"Writer"`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, "All set.")
}

func TestChatStreamSurfacesAgentFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.script(router.Name, routeTo(agent.Writer), routeTo(state.Finish))
	ts.gw.script(agent.Writer, errResp("provider unavailable"))

	w := ts.request(t, http.MethodPost, "/chat/stream",
		`{"message": "help me welcome the new team", "threadId": "stream-2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "provider unavailable")
	// The failed step is absorbed; the Router still closes the run.
	assert.Contains(t, body, "event: done")
}

func TestChatStreamRejectionStaysJSON(t *testing.T) {
	ts := newTestServer(t)

	blocked := make(chan struct{})
	slow := routeTo(state.Finish)
	slow.block = blocked
	ts.gw.script(router.Name, slow)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- ts.request(t, http.MethodPost, "/chat", `{"message": "hi", "threadId": "busy-2"}`, nil)
	}()
	require.Eventually(t, func() bool {
		return ts.pool.Health().Active == 1
	}, time.Second, 5*time.Millisecond)

	w := ts.request(t, http.MethodPost, "/chat/stream", `{"message": "again", "threadId": "busy-2"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, decodeJSON[ErrorResponse](t, w).Error, "busy")

	close(blocked)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestChatStreamReportsTimeout(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Pool = queue.NewPool(queue.Config{MaxConcurrent: 1, RunTimeout: 30 * time.Millisecond})
	})

	blocked := make(chan struct{})
	slow := routeTo(state.Finish)
	slow.block = blocked
	ts.gw.script(router.Name, slow)
	go func() {
		time.Sleep(80 * time.Millisecond)
		close(blocked)
	}()

	w := ts.request(t, http.MethodPost, "/chat/stream",
		`{"message": "hi", "threadId": "timeout-1"}`, nil)

	// The thread frame opened the stream before the deadline hit, so the
	// timeout arrives as a terminal error frame, not a status code.
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: thread\n"))
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "run timed out")
}
