// Package router implements the routing engine: the node that reads the
// conversation and decides which agent acts next, falling through four
// levels until a decision exists. L0 asks the primary model for structured
// output, L1 reparses a plain completion, L2 asks a secondary provider,
// and L3 applies deterministic keyword rules. L3 cannot fail.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/state"
)

// Name is the Router's node name in graphs, events and logs.
const Name = "Router"

// MaxLevel is the index of the rule-based fallback.
const MaxLevel = 3

// Decision is the Router's output for one turn. It never carries a
// user-visible message; the executor merges Next into state.
type Decision struct {
	Next      string `json:"next"`
	Reasoning string `json:"reasoning,omitempty"`
	Level     string `json:"level,omitempty"`

	// Tripped names the safety redirect that forced this decision to
	// FINISH: "ceiling", "circuit_open" or "unknown_agent". Empty for
	// ordinary decisions, including an ordinary FINISH.
	Tripped string `json:"-"`
}

// Gateway is the slice of the LLM gateway the Router uses.
type Gateway interface {
	Plain(ctx context.Context, req llm.Request) (*llm.Response, error)
	Structured(ctx context.Context, req llm.Request) (*llm.Response, error)
	HasSecondary() bool
}

// Observer counts which level decided each routing call.
type Observer interface {
	RecordRoutingDecision(level string)
}

// Config wires the Router's collaborators.
type Config struct {
	Agents   *agent.Registry
	Gateway  Gateway
	Limits   safety.Limits
	Breakers *safety.Registry

	// ForceLevel is the minimum starting level, 0 through 3. Levels below
	// it are never attempted.
	ForceLevel int

	// Observer may be nil.
	Observer Observer

	Logger *slog.Logger
}

// Router decides the next agent for a thread.
type Router struct {
	agents     *agent.Registry
	gateway    Gateway
	limits     safety.Limits
	breakers   *safety.Registry
	forceLevel int
	observer   Observer
	logger     *slog.Logger
}

// New builds a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	force := cfg.ForceLevel
	if force < 0 {
		force = 0
	}
	if force > MaxLevel {
		force = MaxLevel
	}
	return &Router{
		agents:     cfg.Agents,
		gateway:    cfg.Gateway,
		limits:     cfg.Limits.Normalize(),
		breakers:   cfg.Breakers,
		forceLevel: force,
		observer:   cfg.Observer,
		logger:     logger.With("component", "router"),
	}
}

// Decide runs the fallback chain and returns the routing update. The delta
// carries the next agent and the turn increment; the decision carries the
// reasoning and deciding level for events and logs. The turn ceiling and
// the decided agent's circuit are checked here, before and after the chain
// respectively, so an exhausted or tripped thread never costs an LLM call.
func (r *Router) Decide(ctx context.Context, st *state.State) (Decision, *state.Delta, error) {
	if r.limits.TurnsExhausted(st.TurnCount) {
		// The ceiling decision costs no turn, so turn_count never
		// exceeds the limit it enforces.
		d := Decision{
			Next:      state.Finish,
			Reasoning: fmt.Sprintf("turn limit of %d reached", r.limits.MaxTurns),
			Level:     "ceiling",
			Tripped:   "ceiling",
		}
		return r.finalize(st, d, &state.Delta{Next: state.Ptr(d.Next)})
	}

	d, err := r.runChain(ctx, st)
	if err != nil {
		return Decision{}, nil, err
	}

	if d.Next != state.Finish {
		if !r.agents.Has(d.Next) {
			r.logger.Warn("router chose an unknown agent", "thread_id", st.ThreadID, "next", d.Next, "level", d.Level)
			d.Reasoning = fmt.Sprintf("decided agent %q is not registered", d.Next)
			d.Next = state.Finish
			d.Tripped = "unknown_agent"
		} else if err := r.breakers.Get(d.Next).Allow(); err != nil {
			r.logger.Warn("router skipping agent with open circuit", "thread_id", st.ThreadID, "agent", d.Next)
			d.Reasoning = fmt.Sprintf("agent %s is unavailable: %v", d.Next, err)
			d.Next = state.Finish
			d.Tripped = "circuit_open"
		}
	}

	delta := &state.Delta{
		Next:      state.Ptr(d.Next),
		TurnCount: state.Ptr(st.TurnCount + 1),
	}
	return r.finalize(st, d, delta)
}

func (r *Router) finalize(st *state.State, d Decision, delta *state.Delta) (Decision, *state.Delta, error) {
	if r.observer != nil {
		r.observer.RecordRoutingDecision(d.Level)
	}
	r.logger.Info("routing decision",
		"thread_id", st.ThreadID, "next", d.Next, "level", d.Level, "turn", st.TurnCount)
	return d, delta, nil
}

// runChain attempts each level from the forced minimum until one decides.
func (r *Router) runChain(ctx context.Context, st *state.State) (Decision, error) {
	for level := r.forceLevel; level < MaxLevel; level++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		var (
			d   Decision
			err error
		)
		switch level {
		case 0:
			d, err = r.structuredDecision(ctx, st, llm.TierPrimary)
		case 1:
			d, err = r.plainDecision(ctx, st)
		case 2:
			if !r.gateway.HasSecondary() {
				err = fmt.Errorf("no secondary provider")
				break
			}
			d, err = r.structuredDecision(ctx, st, llm.TierSecondary)
		}
		if err == nil {
			d.Level = levelLabel(level)
			return d, nil
		}
		r.logger.Debug("routing level failed, falling through",
			"thread_id", st.ThreadID, "level", levelLabel(level), "error", err)
	}

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	d := r.ruleDecision(st)
	d.Level = levelLabel(MaxLevel)
	return d, nil
}

func (r *Router) structuredDecision(ctx context.Context, st *state.State, tier llm.Tier) (Decision, error) {
	schema, err := r.decisionSchema()
	if err != nil {
		return Decision{}, err
	}

	req := r.request(st, tier)
	req.Schema = schema
	resp, err := r.gateway.Structured(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	if err := json.Unmarshal(resp.Structured, &d); err != nil {
		return Decision{}, fmt.Errorf("failed to decode routing decision: %w", err)
	}
	if d.Next == "" {
		return Decision{}, fmt.Errorf("routing decision has no next agent")
	}
	return d, nil
}

func (r *Router) plainDecision(ctx context.Context, st *state.State) (Decision, error) {
	req := r.request(st, llm.TierPrimary)
	req.Messages = append(req.Messages, llm.ConversationMessage{
		Role:    "user",
		Content: jsonInstruction(r.decisionSpace()),
	})
	resp, err := r.gateway.Plain(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	d, ok := parseDecision(resp.Text)
	if !ok {
		return Decision{}, fmt.Errorf("no decision object in response")
	}
	return d, nil
}

func (r *Router) request(st *state.State, tier llm.Tier) llm.Request {
	return llm.Request{
		ThreadID: st.ThreadID,
		Agent:    Name,
		Tier:     tier,
		System:   r.systemPrompt(st),
		Messages: agent.Conversation(st.Messages, Name),
	}
}

// decisionSpace is the set of names the Router may return.
func (r *Router) decisionSpace() []string {
	return append(r.agents.Names(), state.Finish)
}

// decisionSchema builds the enumeration schema over the live decision
// space. Rebuilt per call so freshly loaded plugins are routable at once.
func (r *Router) decisionSchema() (*llm.Schema, error) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next":      map[string]any{"type": "string", "enum": r.decisionSpace()},
			"reasoning": map[string]any{"type": "string"},
		},
		"required":             []string{"next"},
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build decision schema: %w", err)
	}
	return llm.NewSchema("route", raw)
}

// parseDecision extracts the first JSON object carrying a "next" field.
// Fenced or prose-wrapped JSON is handled by scanning brace positions.
func parseDecision(text string) (Decision, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0 && i < len(text); {
		var d Decision
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&d); err == nil && d.Next != "" {
			return d, true
		}
		rest := strings.IndexByte(text[i+1:], '{')
		if rest < 0 {
			break
		}
		i += 1 + rest
	}
	return Decision{}, false
}

func levelLabel(level int) string {
	return fmt.Sprintf("l%d", level)
}
