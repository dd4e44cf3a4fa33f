package e2e

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/state"
)

// TestE2E_FinishWithoutDelegation covers the shortest possible run: the
// Router decides FINISH on the first turn and no agent is ever entered.
func TestE2E_FinishWithoutDelegation(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(state.Finish))

	app := NewTestApp(t, WithLLM(script))
	ws := wsFor(t, app, "finish-now")

	resp := app.Chat(t, "finish-now", "hi")

	assert.Equal(t, "finish-now", resp["threadId"])
	assert.Equal(t, "hi", resp["result"])
	assert.Empty(t, resp["contributors"])

	st, step := app.LatestState(t, "finish-now")
	assert.Equal(t, 1, step)
	assert.Equal(t, state.Finish, st.Next)
	assert.Equal(t, 1, st.TurnCount)
	assert.Empty(t, st.Contributors)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, state.RoleUser, st.Messages[0].Role)

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"thread", "done"}, wsSignatures(evts))
}

// TestE2E_SingleAgentRoundTrip walks one full delegation: Router to
// Builder, Builder replies, Router finishes.
func TestE2E_SingleAgentRoundTrip(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(agent.Builder), RouteTo(state.Finish))
	script.Script(agent.Builder, Text("ok"))

	app := NewTestApp(t, WithLLM(script))
	ws := wsFor(t, app, "round-trip")

	resp := app.Chat(t, "round-trip", "build the widget")

	assert.Equal(t, "ok", resp["result"])
	assert.Equal(t, []interface{}{"Builder"}, resp["contributors"])

	st, step := app.LatestState(t, "round-trip")
	assert.Equal(t, 3, step)
	assert.Equal(t, state.Finish, st.Next)
	assert.Equal(t, 2, st.TurnCount)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, state.RoleAgent, st.Messages[1].Role)
	assert.Equal(t, "Builder", st.Messages[1].Author)
	assert.Equal(t, "ok", st.Messages[1].Content)

	snaps := app.History(t, "round-trip")
	require.Len(t, snaps, 3)
	assert.Equal(t, agent.Builder, snaps[0].State.Next)
	assert.Equal(t, "", snaps[1].State.Next)
	assert.Equal(t, state.Finish, snaps[2].State.Next)

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"thread",
		"agent_start:Router", "agent_end:Router",
		"handoff:Router>Builder",
		"agent_start:Builder", "agent_end:Builder",
		"agent_start:Router", "agent_end:Router",
		"done",
	}, wsSignatures(evts))
}

// TestE2E_BuilderSurrendersAfterFailedRetries drives the Builder self-loop
// into surrender: every round the model asks for run_tests, the tool
// reports failures, and after the retry budget is spent the Builder gives
// up and yields back to the Router.
func TestE2E_BuilderSurrendersAfterFailedRetries(t *testing.T) {
	failing := staticToolRegistry(t, staticTool{name: "run_tests", output: "FAIL: 3 of 12 tests failed"})

	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(agent.Builder), RouteTo(state.Finish))
	script.Script(agent.Builder,
		CallTool(llm.ToolCall{ID: "c1", Name: "run_tests", Arguments: "{}"}),
		CallTool(llm.ToolCall{ID: "c2", Name: "run_tests", Arguments: "{}"}),
		CallTool(llm.ToolCall{ID: "c3", Name: "run_tests", Arguments: "{}"}),
	)

	app := NewTestApp(t, WithLLM(script), WithToolRegistry(failing))
	ws := wsFor(t, app, "surrender")

	resp := app.Chat(t, "surrender", "fix the failing build")
	result, _ := resp["result"].(string)
	assert.Contains(t, result, "Giving up after 3 failed attempts")

	st, step := app.LatestState(t, "surrender")
	assert.Equal(t, 5, step)
	assert.Equal(t, 2, st.TurnCount)
	assert.Equal(t, 0, st.Retries(agent.Builder))
	assert.False(t, st.NeedsRetry)

	surrenders := 0
	for _, msg := range st.Messages {
		if msg.Author == agent.Builder && strings.HasPrefix(msg.Content, "Giving up") {
			surrenders++
		}
	}
	assert.Equal(t, 1, surrenders, "exactly one surrender message expected")

	// The whole surrendered loop counts as one breaker failure, not one
	// per attempt, so a single bad episode cannot trip the circuit.
	assert.Equal(t, safety.BreakerClosed, app.Breakers.Get(agent.Builder).State())

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	sigs := wsSignatures(evts)
	assert.Equal(t, 3, countSig(sigs, "tool:run_tests"))
	assert.Equal(t, 3, countSig(sigs, "agent_start:Builder"))
	assert.Equal(t, 1, countSig(sigs, "handoff:Router>Builder"))
	assert.Equal(t, "done", sigs[len(sigs)-1])
}

// TestE2E_RouterFallsBackToRules breaks every model-backed routing level
// and lets the keyword rules decide. The fallback never surfaces to the
// client beyond the routing metrics.
func TestE2E_RouterFallsBackToRules(t *testing.T) {
	script := NewScriptedLLM()
	script.EnableSecondary()
	script.Script(router.Name,
		Fail("primary structured routing down"),
		Fail("primary reparse down"),
		Fail("secondary routing down"),
		RouteTo(state.Finish),
	)
	script.Script(agent.Security,
		StructuredDoc("Audit complete: no exploitable paths found.", `{"summary":"no exploitable paths","risk":"low"}`))

	app := NewTestApp(t, WithLLM(script))
	ws := wsFor(t, app, "fallback")

	resp := app.Chat(t, "fallback", "Please check this vulnerability report")
	assert.Equal(t, []interface{}{"Security"}, resp["contributors"])

	snaps := app.History(t, "fallback")
	require.Len(t, snaps, 3)
	assert.Equal(t, agent.Security, snaps[0].State.Next)

	st, _ := app.LatestState(t, "fallback")
	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, state.ArtifactSecurityReview, st.Artifacts[0].Type)
	assert.Equal(t, agent.Security, st.Artifacts[0].Agent)

	// Three failed levels before the rules decided; the second routing
	// turn succeeded at the primary structured level again.
	requests := script.Requests()
	require.Len(t, requests, 5)
	assert.Equal(t, llm.TierSecondary, requests[2].Tier)

	metricsResp := app.GetMetrics(t)
	assert.Equal(t, 1, counterValue(t, metricsResp, "routing_decisions", "l3"))
	assert.Equal(t, 1, counterValue(t, metricsResp, "routing_decisions", "l0"))

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"thread",
		"agent_start:Router", "agent_end:Router",
		"handoff:Router>Security",
		"agent_start:Security", "agent_end:Security",
		"agent_start:Router", "agent_end:Router",
		"done",
	}, wsSignatures(evts))
}

// TestE2E_TurnCeilingEndsRun pins MaxTurns at three and lets the Router
// delegate forever. The ceiling redirect must close the run cleanly, with
// the stream ending in done and no fourth routing call spent.
func TestE2E_TurnCeilingEndsRun(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name,
		RouteTo(agent.Builder), RouteTo(agent.Builder), RouteTo(agent.Builder))
	script.Script(agent.Builder, Text("pass one"), Text("pass two"), Text("pass three"))

	app := NewTestApp(t, WithLLM(script), WithLimits(safety.Limits{MaxTurns: 3, MaxRetries: 3}))
	ws := wsFor(t, app, "ceiling")

	app.Chat(t, "ceiling", "keep building")

	st, step := app.LatestState(t, "ceiling")
	assert.Equal(t, 7, step)
	assert.Equal(t, 3, st.TurnCount)
	assert.Equal(t, state.Finish, st.Next)
	assert.Equal(t, []string{"Builder"}, st.Contributors)

	// The ceiling decision costs no gateway call.
	assert.Equal(t, 3, script.Calls(router.Name))
	assert.Equal(t, 3, script.Calls(agent.Builder))

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	sigs := wsSignatures(evts)
	assert.Equal(t, 3, countSig(sigs, "agent_start:Builder"))
	assert.Equal(t, "done", sigs[len(sigs)-1])

	errFrames := ws.EventsByType("error")
	require.NotEmpty(t, errFrames)
	assert.Contains(t, stringField(errFrames[0].Data, "content"), "turn limit of 3 reached")
}

// TestE2E_ResumeAfterCrash kills a run halfway and resumes the thread on a
// fresh instance pointed at the same database file. The resumed run picks
// up after the last checkpointed step and lands on the same final answer
// the uninterrupted run would have produced.
func TestE2E_ResumeAfterCrash(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crewd.db")

	release := make(chan struct{}) // never closed: the run dies by cancel
	entered := make(chan struct{}, 1)

	blocked := RouteTo(state.Finish)
	blocked.WaitCh = release
	blocked.OnBlock = entered

	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(agent.Builder), blocked)
	script.Script(agent.Builder, Text("ok"))

	app1 := NewTestApp(t, WithDatabasePath(dbPath), WithLLM(script))

	statusCh := make(chan int, 1)
	go func() {
		status, _, err := app1.postJSONStatus("/chat", map[string]interface{}{
			"threadId": "crash",
			"message":  "build the widget",
		})
		if err != nil {
			status = -1
		}
		statusCh <- status
	}()

	// The Builder step has checkpointed once the second routing call
	// parks on the script gate.
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("router never reached the blocked script entry")
	}

	require.True(t, app1.Pool.Cancel("crash"))
	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusInternalServerError, status)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run never returned")
	}
	app1.Stop()

	// Fresh process, same database.
	script2 := NewScriptedLLM()
	script2.Script(router.Name, RouteTo(state.Finish))
	app2 := NewTestApp(t, WithDatabasePath(dbPath), WithLLM(script2))

	st, step := app2.LatestState(t, "crash")
	require.Equal(t, 2, step)
	require.Equal(t, "", st.Next)
	require.Equal(t, []string{"Builder"}, st.Contributors)

	ws := wsFor(t, app2, "crash")

	// An empty message resumes from the latest checkpoint.
	resumed, err := app2.Executor.Run(context.Background(), graph.RunRequest{ThreadID: "crash"})
	require.NoError(t, err)
	assert.Equal(t, state.Finish, resumed.Next)
	assert.Equal(t, []string{"Builder"}, resumed.Contributors)
	assert.Equal(t, 2, resumed.TurnCount)
	assert.Equal(t, "ok", resumed.LastMessage().Content)

	snaps := app2.History(t, "crash")
	require.Len(t, snaps, 3)

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"thread",
		"agent_start:Router", "agent_end:Router",
		"done",
	}, wsSignatures(evts))
}

// TestE2E_ApprovalGateParksAndResumes gates the Architect behind a human
// verdict: the run parks after the Architect's step and the second routing
// turn only happens once the verdict arrives.
func TestE2E_ApprovalGateParksAndResumes(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(agent.Architect), RouteTo(state.Finish))
	script.Script(agent.Architect,
		StructuredDoc("Proposed a two-service split.", `{"summary":"two services"}`))

	app := NewTestApp(t, WithLLM(script), WithApprovalAfter(agent.Architect))
	ws := wsFor(t, app, "gated")

	resp := app.Chat(t, "gated", "design the architecture")
	assert.Equal(t, true, resp["requiresApproval"])

	view := app.GetThread(t, "gated")
	assert.Equal(t, true, view["requiresApproval"])
	assert.Equal(t, 1, script.Calls(router.Name), "no routing while parked")

	approved := app.Approve(t, "gated", true)
	assert.Equal(t, "approved", approved["approvalStatus"])
	assert.Nil(t, approved["requiresApproval"])

	st, step := app.LatestState(t, "gated")
	assert.Equal(t, 4, step)
	assert.Equal(t, state.Finish, st.Next)
	assert.Equal(t, 2, st.TurnCount)
	require.Len(t, st.Messages, 3)
	assert.Equal(t, "Approved.", st.Messages[2].Content)

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"thread",
		"agent_start:Router", "agent_end:Router",
		"handoff:Router>Architect",
		"agent_start:Architect", "agent_end:Architect",
		"thread",
		"agent_start:Router", "agent_end:Router",
		"done",
	}, wsSignatures(evts))
}

// TestE2E_ShipWorkflowPhase runs the fixed ship sequence end to end: SRE,
// Writer, Marketer, no Router in between.
func TestE2E_ShipWorkflowPhase(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(agent.SRE, Text("Deployed to production."))
	script.Script(agent.Writer, Text("Release notes drafted."))
	script.Script(agent.Marketer, Text("Announcement scheduled."))

	app := NewTestApp(t, WithLLM(script))
	ws := wsFor(t, app, "ship-it")

	resp := app.RunWorkflow(t, "ship", "ship-it", "release v2")
	assert.Equal(t, "ship", resp["phase"])
	assert.Equal(t, "Announcement scheduled.", resp["result"])
	assert.Equal(t, []interface{}{"SRE", "Writer", "Marketer"}, resp["contributors"])

	snaps := app.History(t, "ship-it")
	require.Len(t, snaps, 3)
	assert.Equal(t, agent.Writer, snaps[0].State.Next)
	assert.Equal(t, agent.Marketer, snaps[1].State.Next)
	assert.Equal(t, state.Finish, snaps[2].State.Next)
	assert.Equal(t, "ship", snaps[2].State.Phase)

	assert.Equal(t, 0, script.Calls(router.Name), "workflow phases bypass the Router")

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"thread",
		"agent_start:SRE", "agent_end:SRE",
		"agent_start:Writer", "agent_end:Writer",
		"agent_start:Marketer", "agent_end:Marketer",
		"done",
	}, wsSignatures(evts))
}

// TestE2E_ForcedRuleRouting pins the Router at the rule level so every
// decision comes from the keyword table without a model call. Rules
// cannot decide FINISH, so the turn ceiling is what ends the run.
func TestE2E_ForcedRuleRouting(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(agent.SRE, Text("Canary at 5 percent."), Text("Canary at 50 percent."))

	app := NewTestApp(t,
		WithLLM(script),
		WithForceLevel(router.MaxLevel),
		WithLimits(safety.Limits{MaxTurns: 2, MaxRetries: 3}),
	)
	ws := wsFor(t, app, "rules-only")

	resp := app.Chat(t, "rules-only", "deploy the canary release")
	assert.Equal(t, "Canary at 50 percent.", resp["result"])
	assert.Equal(t, []interface{}{"SRE"}, resp["contributors"])

	st, step := app.LatestState(t, "rules-only")
	assert.Equal(t, 5, step)
	assert.Equal(t, 2, st.TurnCount)
	assert.Equal(t, state.Finish, st.Next)

	assert.Equal(t, 0, script.Calls(router.Name), "forced rules skip the routing model")
	assert.Equal(t, 2, script.Calls(agent.SRE))

	metricsResp := app.GetMetrics(t)
	assert.Equal(t, 2, counterValue(t, metricsResp, "routing_decisions", "l3"))
	assert.Equal(t, 1, counterValue(t, metricsResp, "routing_decisions", "ceiling"))

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	sigs := wsSignatures(evts)
	assert.Equal(t, 2, countSig(sigs, "handoff:Router>SRE"))
	assert.Equal(t, 2, countSig(sigs, "agent_start:SRE"))
	assert.Equal(t, "done", sigs[len(sigs)-1])
}

// TestE2E_BreakerOpensMidThread fails the Builder's model once with a
// threshold of one. The very next delegation to Builder is redirected to
// FINISH without touching its model again.
func TestE2E_BreakerOpensMidThread(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(agent.Builder), RouteTo(agent.Builder))
	script.Script(agent.Builder, Fail("model down"))

	app := NewTestApp(t, WithLLM(script),
		WithBreaker(safety.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}))
	ws := wsFor(t, app, "tripped")

	resp := app.Chat(t, "tripped", "build the widget")
	result, _ := resp["result"].(string)
	assert.Contains(t, result, "Failed to complete the step")
	assert.Contains(t, result, "model down")
	assert.Empty(t, resp["contributors"], "a failed step contributes nothing")

	st, step := app.LatestState(t, "tripped")
	assert.Equal(t, 3, step)
	assert.Equal(t, 2, st.TurnCount)
	assert.Equal(t, state.Finish, st.Next)

	assert.Equal(t, 1, script.Calls(agent.Builder), "open circuit blocks the second delegation")
	assert.Equal(t, safety.BreakerOpen, app.Breakers.Get(agent.Builder).State())

	evts, err := ws.CollectUntil(untilDone, 5*time.Second)
	require.NoError(t, err)
	sigs := wsSignatures(evts)
	assert.Equal(t, 1, countSig(sigs, "agent_start:Builder"))
	assert.Equal(t, 2, countSig(sigs, "error"), "one step failure, one circuit redirect")
	assert.Equal(t, "done", sigs[len(sigs)-1])
}

// TestE2E_BusyThreadConflict posts to a thread that already has an active
// run. The second request is rejected with 409 and leaves no trace.
func TestE2E_BusyThreadConflict(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	blocked := RouteTo(state.Finish)
	blocked.WaitCh = release
	blocked.OnBlock = entered

	script := NewScriptedLLM()
	script.Script(router.Name, blocked)

	app := NewTestApp(t, WithLLM(script))

	statusCh := make(chan int, 1)
	go func() {
		status, _, err := app.postJSONStatus("/chat", map[string]interface{}{
			"threadId": "contended", "message": "first",
		})
		if err != nil {
			status = -1
		}
		statusCh <- status
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	status, _, err := app.postJSONStatus("/chat", map[string]interface{}{
		"threadId": "contended", "message": "second",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)

	close(release)
	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(5 * time.Second):
		t.Fatal("first run never returned")
	}

	// The rejected request did not append its message.
	st, step := app.LatestState(t, "contended")
	assert.Equal(t, 1, step)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "first", st.Messages[0].Content)
}

// TestE2E_PoolAtCapacity holds the single pool slot and expects the next
// thread to be turned away with 503 before its run starts.
func TestE2E_PoolAtCapacity(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	blocked := RouteTo(state.Finish)
	blocked.WaitCh = release
	blocked.OnBlock = entered

	script := NewScriptedLLM()
	script.Script(router.Name, blocked)

	app := NewTestApp(t, WithLLM(script), WithPoolSize(1))

	statusCh := make(chan int, 1)
	go func() {
		status, _, err := app.postJSONStatus("/chat", map[string]interface{}{
			"threadId": "holder", "message": "hold the slot",
		})
		if err != nil {
			status = -1
		}
		statusCh <- status
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("holder run never started")
	}

	status, _, err := app.postJSONStatus("/chat", map[string]interface{}{
		"threadId": "turned-away", "message": "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	close(release)
	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(5 * time.Second):
		t.Fatal("holder run never returned")
	}

	// The rejected thread never ran, so it has no checkpoints.
	app.getJSON(t, "/thread/turned-away", http.StatusNotFound)
}

// TestE2E_RunTimeout bounds the run budget below the time the scripted
// model takes to answer. The request maps to 504 and the thread stays
// usable for a fresh attempt.
func TestE2E_RunTimeout(t *testing.T) {
	release := make(chan struct{}) // never closed: the deadline fires first

	blocked := RouteTo(state.Finish)
	blocked.WaitCh = release

	script := NewScriptedLLM()
	script.Script(router.Name, blocked, RouteTo(state.Finish))

	app := NewTestApp(t, WithLLM(script), WithRunTimeout(150*time.Millisecond))

	status, _, err := app.postJSONStatus("/chat", map[string]interface{}{
		"threadId": "deadline", "message": "slow task",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, status)

	// Nothing checkpointed, so the retry opens the thread fresh.
	resp := app.Chat(t, "deadline", "quick task")
	assert.Equal(t, "quick task", resp["result"])

	st, step := app.LatestState(t, "deadline")
	assert.Equal(t, 1, step)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "quick task", st.Messages[0].Content)
}

// TestE2E_APIKeyGuardsChat verifies the protected routes reject missing
// credentials while health stays open for probes.
func TestE2E_APIKeyGuardsChat(t *testing.T) {
	script := NewScriptedLLM()
	script.Script(router.Name, RouteTo(state.Finish))

	app := NewTestApp(t, WithLLM(script), WithAPIKey("test-key-123"))

	// Bare request, no key.
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+"/agents", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health needs no credentials.
	health := app.GetHealth(t)
	assert.Equal(t, "healthy", health["status"])

	// The helpers attach the key.
	chat := app.Chat(t, "keyed", "hello")
	assert.Equal(t, "hello", chat["result"])

	agents := app.GetAgents(t)
	assert.Equal(t, float64(13), agents["count"])
}
