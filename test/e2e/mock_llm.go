package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/crewkit/crewd/pkg/llm"
)

// ScriptEntry is one canned gateway reply.
type ScriptEntry struct {
	Response *llm.Response
	Err      error

	// WaitCh, when non-nil, parks delivery until the channel closes. If
	// the call's context ends first, the context error is returned
	// instead. Crash tests leave the channel open and cancel the run.
	WaitCh <-chan struct{}

	// OnBlock, when non-nil, receives one signal as the entry starts
	// waiting on WaitCh.
	OnBlock chan<- struct{}
}

// ScriptedLLM stands in for the LLM gateway on both the Router and the
// agent handlers. It serves canned responses per requesting agent, in
// script order, and records every request. An exhausted script fails the
// call so a test cannot silently consume more turns than it planned.
type ScriptedLLM struct {
	mu        sync.Mutex
	scripts   map[string][]ScriptEntry
	requests  []llm.Request
	secondary bool
}

// NewScriptedLLM creates an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{scripts: make(map[string][]ScriptEntry)}
}

// Script appends entries to one agent's reply queue.
func (s *ScriptedLLM) Script(agentName string, entries ...ScriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[agentName] = append(s.scripts[agentName], entries...)
}

// EnableSecondary makes HasSecondary report true, so the Router attempts
// its secondary-provider level during fallback.
func (s *ScriptedLLM) EnableSecondary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondary = true
}

func (s *ScriptedLLM) next(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	queue := s.scripts[req.Agent]
	var entry ScriptEntry
	if len(queue) == 0 {
		entry = ScriptEntry{Err: fmt.Errorf("no scripted response for %s", req.Agent)}
	} else {
		entry = queue[0]
		s.scripts[req.Agent] = queue[1:]
	}
	s.mu.Unlock()

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return entry.Response, entry.Err
}

// Plain implements the gateway slice the agent handlers and Router use.
func (s *ScriptedLLM) Plain(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return s.next(ctx, req)
}

// Structured implements the gateway slice the agent handlers and Router use.
func (s *ScriptedLLM) Structured(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return s.next(ctx, req)
}

// WithTools implements the gateway slice the agent handlers use.
func (s *ScriptedLLM) WithTools(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return s.next(ctx, req)
}

// HasSecondary implements the Router's gateway slice.
func (s *ScriptedLLM) HasSecondary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondary
}

// Calls counts the requests one agent issued.
func (s *ScriptedLLM) Calls(agentName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Agent == agentName {
			n++
		}
	}
	return n
}

// Requests returns a snapshot of every recorded request, in call order.
func (s *ScriptedLLM) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RouteTo scripts a Router decision naming the next agent.
func RouteTo(next string) ScriptEntry {
	raw, err := json.Marshal(map[string]string{"next": next, "reasoning": "scripted"})
	if err != nil {
		panic(err)
	}
	return ScriptEntry{Response: &llm.Response{Structured: raw}}
}

// Text scripts a plain completion.
func Text(text string) ScriptEntry {
	return ScriptEntry{Response: &llm.Response{Text: text}}
}

// StructuredDoc scripts a schema-bearing completion: the text lands in the
// transcript, the doc becomes the agent's artifact.
func StructuredDoc(text, doc string) ScriptEntry {
	return ScriptEntry{Response: &llm.Response{Text: text, Structured: []byte(doc)}}
}

// CallTool scripts one tool-calling round.
func CallTool(calls ...llm.ToolCall) ScriptEntry {
	return ScriptEntry{Response: &llm.Response{ToolCalls: calls}}
}

// Fail scripts a provider error.
func Fail(msg string) ScriptEntry {
	return ScriptEntry{Err: errors.New(msg)}
}
