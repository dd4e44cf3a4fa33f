// Package metrics aggregates Prometheus collectors for the orchestration
// engine and mirrors the counters into a JSON-friendly snapshot for the
// plain metrics endpoint.
package metrics

import (
	"sync"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crewd"

// Metrics owns every collector. Each instance registers on its own registry
// so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	routingDecisions *prometheus.CounterVec
	llmCalls         *prometheus.CounterVec
	llmTokens        *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
	toolRuns         *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	stepsTotal       *prometheus.CounterVec
	activeRuns       prometheus.Gauge
	droppedChunks    prometheus.Counter

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is the JSON view of the engine counters.
type Snapshot struct {
	RoutingDecisions map[string]int64    `json:"routing_decisions"`
	ToolRuns         map[string]ToolRuns `json:"tool_runs"`
	StepsByAgent     map[string]int64    `json:"steps_by_agent"`
	ActiveRuns       int64               `json:"active_runs"`
	DroppedChunks    int64               `json:"dropped_chunks"`
}

// ToolRuns splits one tool's run count by outcome.
type ToolRuns struct {
	OK     int64 `json:"ok"`
	Failed int64 `json:"failed"`
}

// New creates a metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,

		routingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by the fallback level that produced them",
		}, []string{"level"}),

		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "LLM invocations by provider, model and outcome",
		}, []string{"provider", "model", "status"}),

		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and direction",
		}, []string{"provider", "direction"}),

		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM invocation latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		toolRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "runs_total",
			Help:      "Tool executions by tool name and outcome",
		}, []string{"tool", "status"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 half-open, 2 open)",
		}, []string{"agent"}),

		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "steps_total",
			Help:      "Executed super-steps by acting agent",
		}, []string{"agent"}),

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "active_runs",
			Help:      "Graph runs currently in flight",
		}),

		droppedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_chunks_total",
			Help:      "Chunk events discarded under subscriber back-pressure",
		}),
	}

	m.snapshot = Snapshot{
		RoutingDecisions: make(map[string]int64),
		ToolRuns:         make(map[string]ToolRuns),
		StepsByAgent:     make(map[string]int64),
	}
	return m
}

// Registry exposes the backing registry for the Prometheus scrape handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRoutingDecision counts one routing decision at the given level.
func (m *Metrics) RecordRoutingDecision(level string) {
	m.routingDecisions.WithLabelValues(level).Inc()

	m.mu.Lock()
	m.snapshot.RoutingDecisions[level]++
	m.mu.Unlock()
}

// ObserveLLMCall implements llm.Observer.
func (m *Metrics) ObserveLLMCall(u llm.Usage, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.llmCalls.WithLabelValues(u.Provider, u.Model, status).Inc()
	m.llmLatency.WithLabelValues(u.Provider, u.Model).Observe(u.Latency.Seconds())
	if u.InputTokens > 0 {
		m.llmTokens.WithLabelValues(u.Provider, "input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		m.llmTokens.WithLabelValues(u.Provider, "output").Add(float64(u.OutputTokens))
	}
}

// RecordToolRun counts one finished tool execution.
func (m *Metrics) RecordToolRun(tool string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.toolRuns.WithLabelValues(tool, status).Inc()

	m.mu.Lock()
	runs := m.snapshot.ToolRuns[tool]
	if ok {
		runs.OK++
	} else {
		runs.Failed++
	}
	m.snapshot.ToolRuns[tool] = runs
	m.mu.Unlock()
}

// SetBreakerState publishes an agent's breaker position.
func (m *Metrics) SetBreakerState(agent, state string) {
	var value float64
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(agent).Set(value)
}

// RecordStep counts one executed super-step.
func (m *Metrics) RecordStep(agent string) {
	m.stepsTotal.WithLabelValues(agent).Inc()

	m.mu.Lock()
	m.snapshot.StepsByAgent[agent]++
	m.mu.Unlock()
}

// RunStarted marks a graph run entering flight.
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()

	m.mu.Lock()
	m.snapshot.ActiveRuns++
	m.mu.Unlock()
}

// RunFinished marks a graph run leaving flight.
func (m *Metrics) RunFinished() {
	m.activeRuns.Dec()

	m.mu.Lock()
	m.snapshot.ActiveRuns--
	m.mu.Unlock()
}

// AddDroppedChunks accumulates chunk drops reported by a closing subscriber.
func (m *Metrics) AddDroppedChunks(n int64) {
	if n <= 0 {
		return
	}
	m.droppedChunks.Add(float64(n))

	m.mu.Lock()
	m.snapshot.DroppedChunks += n
	m.mu.Unlock()
}

// Snapshot returns a copy of the JSON counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		RoutingDecisions: make(map[string]int64, len(m.snapshot.RoutingDecisions)),
		ToolRuns:         make(map[string]ToolRuns, len(m.snapshot.ToolRuns)),
		StepsByAgent:     make(map[string]int64, len(m.snapshot.StepsByAgent)),
		ActiveRuns:       m.snapshot.ActiveRuns,
		DroppedChunks:    m.snapshot.DroppedChunks,
	}
	for level, count := range m.snapshot.RoutingDecisions {
		out.RoutingDecisions[level] = count
	}
	for tool, runs := range m.snapshot.ToolRuns {
		out.ToolRuns[tool] = runs
	}
	for agent, count := range m.snapshot.StepsByAgent {
		out.StepsByAgent[agent] = count
	}
	return out
}
