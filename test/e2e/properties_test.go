package e2e

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/state"
	"github.com/crewkit/crewd/pkg/tools"
)

// The property tests drive a bare executor, no HTTP in front, so each
// generated case costs one engine walk instead of a full server boot.

// planAgents is the pool the generated delegation plans draw from. Only the
// Architect emits an artifact; none of them carry tools, so one scripted
// turn completes each step.
var planAgents = []string{
	agent.Analyst, agent.Designer, agent.Planner,
	agent.Writer, agent.Marketer, agent.Architect,
}

var threadSeq atomic.Int64

func nextThreadID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, threadSeq.Add(1))
}

func openStore(t *testing.T) *checkpoint.SQLStore {
	t.Helper()
	store, err := checkpoint.Open(context.Background(), checkpoint.Config{
		Path: filepath.Join(t.TempDir(), "prop.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type propEngine struct {
	executor *graph.Executor
	registry *agent.Registry
	script   *ScriptedLLM
}

func newEngine(t *testing.T, store *checkpoint.SQLStore, limits safety.Limits, script *ScriptedLLM, opts ...func(*graph.Config)) *propEngine {
	t.Helper()
	registry := agent.NewRegistry(nil)
	require.NoError(t, agent.RegisterBuiltin(registry))

	cfg := graph.Config{
		Agents:   registry,
		Gateway:  script,
		Tools:    tools.NewRegistry(),
		Store:    store,
		Breakers: safety.NewRegistry(safety.BreakerConfig{}),
		Limits:   limits,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Router = router.New(router.Config{
		Agents:   registry,
		Gateway:  script,
		Limits:   limits,
		Breakers: cfg.Breakers,
	})
	return &propEngine{executor: graph.New(cfg), registry: registry, script: script}
}

func planEntry(name string, i int) ScriptEntry {
	if name == agent.Architect {
		return StructuredDoc(
			fmt.Sprintf("step %d by %s", i, name),
			fmt.Sprintf(`{"summary":"plan %d"}`, i),
		)
	}
	return Text(fmt.Sprintf("step %d by %s", i, name))
}

// runPlan scripts one Router delegation per plan index plus a closing
// FINISH, runs the thread to completion, and returns its full history.
func runPlan(t *testing.T, store *checkpoint.SQLStore, threadID string, limits safety.Limits, plan []int) ([]checkpoint.Snapshot, *state.State, error) {
	t.Helper()
	script := NewScriptedLLM()
	for i, idx := range plan {
		name := planAgents[idx]
		script.Script(router.Name, RouteTo(name))
		script.Script(name, planEntry(name, i+1))
	}
	script.Script(router.Name, RouteTo(state.Finish))

	eng := newEngine(t, store, limits, script)
	st, err := eng.executor.Run(context.Background(), graph.RunRequest{ThreadID: threadID, Message: "work the plan"})
	snaps, herr := store.History(context.Background(), threadID)
	require.NoError(t, herr)
	return snaps, st, err
}

func TestPropertyTurnCountMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	store := openStore(t)

	properties.Property("turn count never decreases and never passes the ceiling", prop.ForAll(
		func(plan []int, maxTurns int) bool {
			if len(plan) > 12 {
				plan = plan[:12]
			}
			limits := safety.Limits{MaxTurns: maxTurns, MaxRetries: 3}
			snaps, _, err := runPlan(t, store, nextThreadID("mono"), limits, plan)
			if err != nil {
				return false
			}
			last := 0
			for _, snap := range snaps {
				tc := snap.State.TurnCount
				if tc < last || tc > maxTurns {
					return false
				}
				last = tc
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(planAgents)-1)),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestPropertyRetriesBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	store := openStore(t)
	failing := staticToolRegistry(t, staticTool{name: "run_tests", output: "FAIL: flaky suite"})

	properties.Property("recorded retries never exceed the budget", prop.ForAll(
		func(cycles, maxRetries int) bool {
			script := NewScriptedLLM()
			script.Script(router.Name, RouteTo(agent.Builder), RouteTo(state.Finish))
			entries := make([]ScriptEntry, 0, cycles)
			for i := 0; i < cycles; i++ {
				entries = append(entries, CallTool(llm.ToolCall{
					ID: fmt.Sprintf("c%d", i+1), Name: "run_tests", Arguments: "{}",
				}))
			}
			script.Script(agent.Builder, entries...)

			limits := safety.Limits{MaxTurns: 10, MaxRetries: maxRetries}
			eng := newEngine(t, store, limits, script, func(cfg *graph.Config) { cfg.Tools = failing })
			threadID := nextThreadID("retry")
			if _, err := eng.executor.Run(context.Background(), graph.RunRequest{ThreadID: threadID, Message: "fix the build"}); err != nil {
				return false
			}
			snaps, err := store.History(context.Background(), threadID)
			if err != nil {
				return false
			}
			for _, snap := range snaps {
				if snap.State.Retries(agent.Builder) > maxRetries {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestPropertyTranscriptAppendOnly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	store := openStore(t)

	properties.Property("messages and artifacts only ever grow", prop.ForAll(
		func(plan []int) bool {
			if len(plan) > 12 {
				plan = plan[:12]
			}
			snaps, _, err := runPlan(t, store, nextThreadID("append"), safety.DefaultLimits(), plan)
			if err != nil {
				return false
			}
			for i := 1; i < len(snaps); i++ {
				if !prefixPreserved(snaps[i-1].State, snaps[i].State) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(planAgents)-1)),
	))

	properties.TestingRun(t)
}

// prefixPreserved reports whether next extends prev without rewriting any
// already-checkpointed message or artifact.
func prefixPreserved(prev, next *state.State) bool {
	if len(next.Messages) < len(prev.Messages) || len(next.Artifacts) < len(prev.Artifacts) {
		return false
	}
	for i, m := range prev.Messages {
		n := next.Messages[i]
		if n.Role != m.Role || n.Author != m.Author || n.Content != m.Content {
			return false
		}
	}
	for i, a := range prev.Artifacts {
		n := next.Artifacts[i]
		if n.Type != a.Type || n.Agent != a.Agent {
			return false
		}
	}
	return true
}

func TestPropertyFinishInvokesNoAgent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	store := openStore(t)

	properties.Property("FINISH on the first turn invokes no agent", prop.ForAll(
		func(suffix string) bool {
			script := NewScriptedLLM()
			script.Script(router.Name, RouteTo(state.Finish))

			eng := newEngine(t, store, safety.DefaultLimits(), script)
			threadID := nextThreadID("noop")
			st, err := eng.executor.Run(context.Background(), graph.RunRequest{ThreadID: threadID, Message: "note " + suffix})
			if err != nil || st.Next != state.Finish || len(st.Contributors) != 0 {
				return false
			}
			for _, name := range eng.registry.Names() {
				if script.Calls(name) != 0 {
					return false
				}
			}
			snaps, err := store.History(context.Background(), threadID)
			return err == nil && len(snaps) == 1
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestPropertyOpenCircuitSkipsAgent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	store := openStore(t)
	roster := []string{
		agent.ProductManager, agent.Researcher, agent.Analyst, agent.Designer,
		agent.Architect, agent.Planner, agent.Builder, agent.Reviewer,
		agent.Tester, agent.Security, agent.SRE, agent.Writer, agent.Marketer,
	}

	properties.Property("delegating to an open circuit costs no model call", prop.ForAll(
		func(idx int) bool {
			name := roster[idx]

			script := NewScriptedLLM()
			script.Script(router.Name, RouteTo(name))

			breakers := safety.NewRegistry(safety.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
			breakers.Get(name).RecordFailure()

			eng := newEngine(t, store, safety.DefaultLimits(), script, func(cfg *graph.Config) { cfg.Breakers = breakers })
			st, err := eng.executor.Run(context.Background(), graph.RunRequest{ThreadID: nextThreadID("open"), Message: "do the thing"})
			return err == nil &&
				script.Calls(name) == 0 &&
				st.Next == state.Finish &&
				len(st.Contributors) == 0
		},
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

func TestPropertyResumeMatchesOriginal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	storeA := openStore(t)
	storeB := openStore(t)

	properties.Property("resuming from any checkpoint reproduces the original run", prop.ForAll(
		func(plan []int, cutSeed int) bool {
			if len(plan) == 0 {
				plan = []int{0}
			}
			if len(plan) > 6 {
				plan = plan[:6]
			}
			k := len(plan)

			snaps, _, err := runPlan(t, storeA, nextThreadID("orig"), safety.DefaultLimits(), plan)
			if err != nil || len(snaps) != 2*k+1 {
				return false
			}

			// Replay a prefix into the second store, as if the process had
			// died right after checkpoint cut.
			cut := 1 + cutSeed%(2*k)
			threadB := nextThreadID("resume")
			for _, snap := range snaps[:cut] {
				if err := storeB.Save(context.Background(), threadB, snap.Step, snap.State); err != nil {
					return false
				}
			}

			// Script only the calls the resumed run still has to make.
			// Router decision i lands at step 2i-1, agent execution i at
			// step 2i; anything at or before the cut is already persisted.
			script := NewScriptedLLM()
			for i := 1; i <= k+1; i++ {
				if 2*i-1 <= cut {
					continue
				}
				if i <= k {
					script.Script(router.Name, RouteTo(planAgents[plan[i-1]]))
				} else {
					script.Script(router.Name, RouteTo(state.Finish))
				}
			}
			for i := 1; i <= k; i++ {
				if 2*i <= cut {
					continue
				}
				name := planAgents[plan[i-1]]
				script.Script(name, planEntry(name, i))
			}

			eng := newEngine(t, storeB, safety.DefaultLimits(), script)
			if _, err := eng.executor.Run(context.Background(), graph.RunRequest{ThreadID: threadB}); err != nil {
				return false
			}
			resumed, err := storeB.History(context.Background(), threadB)
			if err != nil || len(resumed) != len(snaps) {
				return false
			}
			for j := cut; j < len(snaps); j++ {
				if fingerprint(snaps[j].State) != fingerprint(resumed[j].State) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(planAgents)-1)),
		gen.IntRange(0, 1<<30),
	))

	properties.TestingRun(t)
}

// fingerprint flattens the run-relevant fields of a state, timestamps
// excluded, so two histories can be compared step by step.
func fingerprint(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "next=%s turns=%d contrib=%v retries=%v needs=%v|",
		st.Next, st.TurnCount, st.Contributors, st.AgentRetries, st.NeedsRetry)
	for _, m := range st.Messages {
		fmt.Fprintf(&b, "%s/%s:%s|", m.Role, m.Author, m.Content)
	}
	for _, a := range st.Artifacts {
		fmt.Fprintf(&b, "art:%s/%s|", a.Type, a.Agent)
	}
	return b.String()
}

func TestPropertyKeywordRouting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	registry := agent.NewRegistry(nil)
	require.NoError(t, agent.RegisterBuiltin(registry))

	// ForceLevel at the rule fallback: Decide never touches the gateway.
	rt := router.New(router.Config{
		Agents:     registry,
		Gateway:    NewScriptedLLM(),
		Limits:     safety.DefaultLimits(),
		Breakers:   safety.NewRegistry(safety.BreakerConfig{}),
		ForceLevel: router.MaxLevel,
	})

	type pair struct {
		keyword string
		agent   string
	}
	pairs := []pair{
		{"vulnerability", agent.Security},
		{"deploy", agent.SRE},
		{"wireframe", agent.Designer},
		{"refactor", agent.Builder},
		{"regression", agent.Tester},
		{"scalability", agent.Architect},
		{"investigate", agent.Researcher},
		{"changelog", agent.Writer},
		{"positioning", agent.Marketer},
		{"estimate", agent.Analyst},
		{"milestones", agent.Planner},
	}
	fillers := []string{"please", "kindly", "look", "into", "the", "matter"}

	properties.Property("a rule keyword routes to its specialist at any position", prop.ForAll(
		func(pairIdx, pos int) bool {
			p := pairs[pairIdx]
			words := append([]string{}, fillers[:3]...)
			if pos > len(words) {
				pos = len(words)
			}
			words = append(words[:pos], append([]string{p.keyword}, words[pos:]...)...)

			st := state.New(nextThreadID("route"), strings.Join(words, " "))
			d, _, err := rt.Decide(context.Background(), st)
			return err == nil && d.Next == p.agent && d.Level == "l3"
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 3),
	))

	properties.Property("keyword-free requests go to the product lead", prop.ForAll(
		func(n int) bool {
			st := state.New(nextThreadID("route"), strings.Join(fillers[:n], " "))
			d, _, err := rt.Decide(context.Background(), st)
			return err == nil && d.Next == agent.ProductManager && d.Level == "l3"
		},
		gen.IntRange(1, len(fillers)),
	))

	properties.TestingRun(t)
}
