package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingDecisions(t *testing.T) {
	m := New()

	m.RecordRoutingDecision("l0")
	m.RecordRoutingDecision("l0")
	m.RecordRoutingDecision("l3")

	assert.InDelta(t, 2, testutil.ToFloat64(m.routingDecisions.WithLabelValues("l0")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.routingDecisions.WithLabelValues("l3")), 0.001)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.RoutingDecisions["l0"])
	assert.Equal(t, int64(1), snap.RoutingDecisions["l3"])
}

func TestObserveLLMCall(t *testing.T) {
	m := New()

	m.ObserveLLMCall(llm.Usage{
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-5",
		InputTokens:  120,
		OutputTokens: 40,
		Latency:      350 * time.Millisecond,
	}, nil)
	m.ObserveLLMCall(llm.Usage{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Latency:  time.Second,
	}, errors.New("boom"))

	success := m.llmCalls.WithLabelValues("anthropic", "claude-sonnet-4-5", "success")
	failed := m.llmCalls.WithLabelValues("anthropic", "claude-sonnet-4-5", "error")
	assert.InDelta(t, 1, testutil.ToFloat64(success), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(failed), 0.001)

	assert.InDelta(t, 120, testutil.ToFloat64(m.llmTokens.WithLabelValues("anthropic", "input")), 0.001)
	assert.InDelta(t, 40, testutil.ToFloat64(m.llmTokens.WithLabelValues("anthropic", "output")), 0.001)
}

func TestToolRuns(t *testing.T) {
	m := New()

	m.RecordToolRun("read_file", true)
	m.RecordToolRun("read_file", true)
	m.RecordToolRun("read_file", false)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.ToolRuns["read_file"].OK)
	assert.Equal(t, int64(1), snap.ToolRuns["read_file"].Failed)
}

func TestBreakerStateGauge(t *testing.T) {
	m := New()

	m.SetBreakerState("Builder", "open")
	assert.InDelta(t, 2, testutil.ToFloat64(m.breakerState.WithLabelValues("Builder")), 0.001)

	m.SetBreakerState("Builder", "half-open")
	assert.InDelta(t, 1, testutil.ToFloat64(m.breakerState.WithLabelValues("Builder")), 0.001)

	m.SetBreakerState("Builder", "closed")
	assert.InDelta(t, 0, testutil.ToFloat64(m.breakerState.WithLabelValues("Builder")), 0.001)
}

func TestRunLifecycle(t *testing.T) {
	m := New()

	m.RunStarted()
	m.RunStarted()
	m.RunFinished()

	assert.InDelta(t, 1, testutil.ToFloat64(m.activeRuns), 0.001)
	assert.Equal(t, int64(1), m.Snapshot().ActiveRuns)
}

func TestDroppedChunks(t *testing.T) {
	m := New()

	m.AddDroppedChunks(5)
	m.AddDroppedChunks(0)
	m.AddDroppedChunks(-3)

	assert.Equal(t, int64(5), m.Snapshot().DroppedChunks)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.RecordStep("Router")

	snap := m.Snapshot()
	snap.StepsByAgent["Router"] = 99

	assert.Equal(t, int64(1), m.Snapshot().StepsByAgent["Router"])
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordRoutingDecision("l0")

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		assert.NotEqual(t, "crewd_routing_decisions_total", family.GetName())
	}
}
