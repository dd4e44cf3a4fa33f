package llm

import (
	"sync"
	"time"
)

// AgentUsage aggregates accounting samples for one agent.
type AgentUsage struct {
	Calls        int           `json:"calls"`
	Failures     int           `json:"failures"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalLatency time.Duration `json:"-"`
	LatencyMS    int64         `json:"total_latency_ms"`
}

// UsageSnapshot is a point-in-time copy of the usage aggregates.
type UsageSnapshot struct {
	Calls        int                   `json:"calls"`
	Failures     int                   `json:"failures"`
	InputTokens  int                   `json:"input_tokens"`
	OutputTokens int                   `json:"output_tokens"`
	ByAgent      map[string]AgentUsage `json:"by_agent"`
}

// UsageLog accumulates per-agent usage totals under a short lock.
type UsageLog struct {
	mu      sync.Mutex
	byAgent map[string]*AgentUsage
	total   AgentUsage
}

// NewUsageLog returns an empty usage log.
func NewUsageLog() *UsageLog {
	return &UsageLog{byAgent: map[string]*AgentUsage{}}
}

// Record adds one sample. Failed calls count toward Calls and Failures but
// contribute no token totals.
func (l *UsageLog) Record(u Usage, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agent := u.Agent
	if agent == "" {
		agent = "unknown"
	}
	entry, ok := l.byAgent[agent]
	if !ok {
		entry = &AgentUsage{}
		l.byAgent[agent] = entry
	}

	entry.Calls++
	l.total.Calls++
	if err != nil {
		entry.Failures++
		l.total.Failures++
		return
	}
	entry.InputTokens += u.InputTokens
	entry.OutputTokens += u.OutputTokens
	entry.TotalLatency += u.Latency
	l.total.InputTokens += u.InputTokens
	l.total.OutputTokens += u.OutputTokens
	l.total.TotalLatency += u.Latency
}

// Snapshot copies the current aggregates.
func (l *UsageLog) Snapshot() UsageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := UsageSnapshot{
		Calls:        l.total.Calls,
		Failures:     l.total.Failures,
		InputTokens:  l.total.InputTokens,
		OutputTokens: l.total.OutputTokens,
		ByAgent:      make(map[string]AgentUsage, len(l.byAgent)),
	}
	for agent, entry := range l.byAgent {
		copied := *entry
		copied.LatencyMS = entry.TotalLatency.Milliseconds()
		out.ByAgent[agent] = copied
	}
	return out
}
