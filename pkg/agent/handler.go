package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/state"
	"github.com/crewkit/crewd/pkg/tools"
)

// DefaultMaxToolRounds bounds how many times a tool-using agent may go back
// to the model within one node invocation.
const DefaultMaxToolRounds = 8

// Invoker is the slice of the LLM gateway the handler depends on.
type Invoker interface {
	Plain(ctx context.Context, req llm.Request) (*llm.Response, error)
	Structured(ctx context.Context, req llm.Request) (*llm.Response, error)
	WithTools(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Invocation carries per-run parameters beyond the shared state. All fields
// are optional.
type Invocation struct {
	// Task narrows the run to one delegated sub-task in hierarchical mode.
	Task *state.SubTask

	// OnDelta receives text fragments as the model streams them.
	OnDelta func(content string)

	// OnTool reports each tool execution as it completes.
	OnTool func(tool, argDigest string, ok bool)
}

// HandlerConfig wires a handler's collaborators.
type HandlerConfig struct {
	Gateway       Invoker
	Tools         *tools.Registry
	Limits        safety.Limits
	MaxToolRounds int
	Logger        *slog.Logger
}

// Handler runs one agent entry as a graph node. The entry's shape picks the
// invocation mode: an output schema means a structured call, a tool list
// means the tool loop, otherwise a single plain call.
type Handler struct {
	entry     Entry
	gateway   Invoker
	tools     *tools.Registry
	limits    safety.Limits
	maxRounds int
	logger    *slog.Logger
}

// NewHandler builds a handler for one entry.
func NewHandler(entry Entry, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &Handler{
		entry:     entry,
		gateway:   cfg.Gateway,
		tools:     cfg.Tools,
		limits:    cfg.Limits.Normalize(),
		maxRounds: maxRounds,
		logger:    logger.With("component", "agent", "agent", entry.Name),
	}
}

// Entry returns the entry this handler runs.
func (h *Handler) Entry() Entry { return h.entry }

// Run invokes the agent against the current state and returns its
// partial-state update. Every successful run contributes at least one
// message authored by the agent and adds the agent to contributors.
func (h *Handler) Run(ctx context.Context, st *state.State, inv Invocation) (*state.Delta, error) {
	switch {
	case h.entry.OutputSchema != "":
		return h.runStructured(ctx, st, inv)
	case len(h.entry.Tools) > 0:
		return h.runWithTools(ctx, st, inv)
	default:
		return h.runPlain(ctx, st, inv)
	}
}

func (h *Handler) runPlain(ctx context.Context, st *state.State, inv Invocation) (*state.Delta, error) {
	resp, err := h.gateway.Plain(ctx, h.request(st, inv, Conversation(st.Messages, h.entry.Name)))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", h.entry.Name, err)
	}
	return &state.Delta{
		Messages:     []state.Message{state.NewMessage(state.RoleAgent, h.entry.Name, resp.Text)},
		Contributors: []string{h.entry.Name},
	}, nil
}

func (h *Handler) runStructured(ctx context.Context, st *state.State, inv Invocation) (*state.Delta, error) {
	schema, ok := SchemaFor(h.entry.OutputSchema)
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown output schema %q", h.entry.Name, h.entry.OutputSchema)
	}

	req := h.request(st, inv, Conversation(st.Messages, h.entry.Name))
	req.Schema = schema
	resp, err := h.gateway.Structured(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", h.entry.Name, err)
	}

	// Some providers emit preamble text alongside the forced tool call;
	// keep it as the transcript entry when present.
	content := strings.TrimSpace(resp.Text)
	if content == "" {
		content = fmt.Sprintf("Produced a %s artifact.", h.entry.OutputSchema)
	}
	msg := state.NewMessage(state.RoleAgent, h.entry.Name, content)
	msg.Payload = json.RawMessage(resp.Structured)

	return &state.Delta{
		Messages: []state.Message{msg},
		Artifacts: []state.Artifact{{
			Type:      h.entry.OutputSchema,
			Agent:     h.entry.Name,
			Data:      resp.Structured,
			CreatedAt: time.Now().UTC(),
		}},
		Contributors: []string{h.entry.Name},
	}, nil
}

// runWithTools drives the ask, execute, re-ask loop. It stops on a final
// message, on the round budget, or on a failure pattern in a tool result.
func (h *Handler) runWithTools(ctx context.Context, st *state.State, inv Invocation) (*state.Delta, error) {
	name := h.entry.Name
	conv := Conversation(st.Messages, name)
	defs := h.tools.Definitions(h.entry.Tools...)

	var (
		newMessages []state.Message
		results     []string
		finalText   string
	)
	for round := 0; ; round++ {
		if round == h.maxRounds {
			text, err := h.conclude(ctx, st, inv, conv)
			if err != nil {
				return nil, err
			}
			finalText = text
			break
		}

		req := h.request(st, inv, conv)
		req.Tools = defs
		resp, err := h.gateway.WithTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			break
		}

		conv = append(conv, llm.ConversationMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			output, execErr := h.tools.Execute(ctx, call.Name, json.RawMessage(call.Arguments))
			if execErr != nil {
				// Execution errors go back to the model as tool output so
				// it can correct the call.
				output = fmt.Sprintf("Error executing tool %s: %v", call.Name, execErr)
			}
			if inv.OnTool != nil {
				inv.OnTool(call.Name, truncateLine(call.Arguments, 120), execErr == nil)
			}
			h.logger.Debug("tool executed", "tool", call.Name, "ok", execErr == nil, "thread_id", st.ThreadID)

			results = append(results, output)
			conv = append(conv, llm.ConversationMessage{Role: "tool", Content: output, ToolCallID: call.ID, ToolName: call.Name})
			newMessages = append(newMessages, state.NewMessage(state.RoleTool, call.Name, output))
		}

		if offending, found := safety.ScanResults(results); found {
			return h.failureDelta(st, newMessages, offending), nil
		}
	}

	delta := &state.Delta{
		Messages:     append(newMessages, state.NewMessage(state.RoleAgent, name, finalText)),
		Contributors: []string{name},
	}
	if h.entry.SelfLoop {
		delta.NeedsRetry = state.Ptr(false)
		delta.LastError = state.Ptr("")
		delta.AgentRetries = map[string]int{name: 0}
	}
	return delta, nil
}

// failureDelta turns a detected failure pattern into the retry update. A
// self-loop agent increments its counter until the retry ceiling, then
// surrenders and clears it; other agents report the failure and yield.
func (h *Handler) failureDelta(st *state.State, msgs []state.Message, offending string) *state.Delta {
	name := h.entry.Name
	if !h.entry.SelfLoop {
		note := state.NewMessage(state.RoleAgent, name,
			fmt.Sprintf("Stopped on a failing tool result: %s", truncateLine(offending, 200)))
		return &state.Delta{
			Messages:     append(msgs, note),
			Contributors: []string{name},
			LastError:    state.Ptr(offending),
		}
	}

	attempts := st.Retries(name) + 1
	if h.limits.RetriesExhausted(attempts) {
		h.logger.Warn("agent surrendering", "attempts", attempts, "thread_id", st.ThreadID)
		surrender := state.NewMessage(state.RoleAgent, name,
			fmt.Sprintf("Giving up after %d failed attempts. Last failure: %s", attempts, truncateLine(offending, 200)))
		return &state.Delta{
			Messages:     append(msgs, surrender),
			Contributors: []string{name},
			NeedsRetry:   state.Ptr(false),
			LastError:    state.Ptr(""),
			AgentRetries: map[string]int{name: 0},
			Surrendered:  true,
		}
	}

	retry := state.NewMessage(state.RoleAgent, name,
		fmt.Sprintf("Attempt %d failed, retrying. Failure: %s", attempts, truncateLine(offending, 200)))
	return &state.Delta{
		Messages:     append(msgs, retry),
		Contributors: []string{name},
		NeedsRetry:   state.Ptr(true),
		LastError:    state.Ptr(offending),
		AgentRetries: map[string]int{name: attempts},
	}
}

// conclude forces a final answer once the round budget is spent.
func (h *Handler) conclude(ctx context.Context, st *state.State, inv Invocation, conv []llm.ConversationMessage) (string, error) {
	h.logger.Debug("tool round budget spent, forcing conclusion", "thread_id", st.ThreadID)
	conv = append(conv, llm.ConversationMessage{Role: "user", Content: concludeInstruction})
	resp, err := h.gateway.Plain(ctx, h.request(st, inv, conv))
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", h.entry.Name, err)
	}
	return resp.Text, nil
}

func (h *Handler) request(st *state.State, inv Invocation, msgs []llm.ConversationMessage) llm.Request {
	system := h.entry.SystemPrompt
	if inv.Task != nil {
		system += fmt.Sprintf(subTaskInstructions, inv.Task.Description, inv.Task.Context)
	}
	return llm.Request{
		ThreadID:    st.ThreadID,
		Agent:       h.entry.Name,
		Tier:        llm.TierPrimary,
		Model:       h.entry.Model,
		System:      system,
		Messages:    msgs,
		Temperature: h.entry.Temperature,
		OnDelta:     inv.OnDelta,
	}
}

// Conversation maps the transcript to provider messages for self's next
// call. Other agents' messages become attributed assistant turns. Tool
// transcripts from prior steps replay as user-role context because
// providers reject tool messages that lack a matching live call.
func Conversation(msgs []state.Message, self string) []llm.ConversationMessage {
	out := make([]llm.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case state.RoleUser:
			out = append(out, llm.ConversationMessage{Role: "user", Content: m.Content})
		case state.RoleAgent:
			content := m.Content
			if m.Author != "" && m.Author != self {
				content = m.Author + ": " + content
			}
			out = append(out, llm.ConversationMessage{Role: "assistant", Content: content})
		case state.RoleTool:
			out = append(out, llm.ConversationMessage{Role: "user", Content: "[" + m.Author + " output] " + m.Content})
		}
	}
	return out
}

// truncateLine collapses whitespace and caps the result for transcript and
// event payloads.
func truncateLine(s string, max int) string {
	compacted := strings.Join(strings.Fields(s), " ")
	runes := []rune(compacted)
	if len(runes) <= max {
		return compacted
	}
	return string(runes[:max-3]) + "..."
}
