// Package events carries executor lifecycle notifications to streaming
// clients. The bus fans out per-thread; payloads are typed per event kind
// and marshal to the wire shape the SSE and WebSocket projectors emit.
package events

import "time"

// Event types emitted by the graph executor.
const (
	EventTypeThread     = "thread"
	EventTypeAgentStart = "agent_start"
	EventTypeChunk      = "chunk"
	EventTypeAgentEnd   = "agent_end"
	EventTypeHandoff    = "handoff"
	EventTypeTool       = "tool"
	EventTypeError      = "error"
	EventTypeDone       = "done"
)

// Event is implemented by every payload delivered on the bus.
type Event interface {
	EventType() string
}

// ThreadPayload announces the thread id, once per run.
type ThreadPayload struct {
	ThreadID  string `json:"thread_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

func (ThreadPayload) EventType() string { return EventTypeThread }

// AgentStartPayload marks a node handler beginning.
type AgentStartPayload struct {
	ThreadID  string `json:"thread_id"`
	Agent     string `json:"agent"`
	Step      int    `json:"step"`
	Timestamp string `json:"timestamp"`
}

func (AgentStartPayload) EventType() string { return EventTypeAgentStart }

// ChunkPayload carries incremental model output. Chunks are transient; a
// slow client loses the oldest chunks first and never lifecycle events.
type ChunkPayload struct {
	ThreadID string `json:"thread_id"`
	Agent    string `json:"agent"`
	Content  string `json:"content"`
}

func (ChunkPayload) EventType() string { return EventTypeChunk }

// AgentEndPayload marks a node handler returning.
type AgentEndPayload struct {
	ThreadID  string `json:"thread_id"`
	Agent     string `json:"agent"`
	Step      int    `json:"step"`
	Timestamp string `json:"timestamp"`
}

func (AgentEndPayload) EventType() string { return EventTypeAgentEnd }

// HandoffPayload marks the Router handing control to a new agent.
type HandoffPayload struct {
	ThreadID  string `json:"thread_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

func (HandoffPayload) EventType() string { return EventTypeHandoff }

// ToolPayload reports a finished tool run. ArgDigest is a short digest of
// the call arguments, not the arguments themselves.
type ToolPayload struct {
	ThreadID  string `json:"thread_id"`
	Agent     string `json:"agent"`
	Name      string `json:"name"`
	ArgDigest string `json:"arg_digest"`
	OK        bool   `json:"ok"`
	Timestamp string `json:"timestamp"`
}

func (ToolPayload) EventType() string { return EventTypeTool }

// ErrorPayload surfaces a failure to the client.
type ErrorPayload struct {
	ThreadID  string `json:"thread_id"`
	Agent     string `json:"agent,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func (ErrorPayload) EventType() string { return EventTypeError }

// DonePayload marks the run reaching END.
type DonePayload struct {
	ThreadID  string `json:"thread_id"`
	Result    string `json:"result,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (DonePayload) EventType() string { return EventTypeDone }

// Timestamp returns the RFC3339Nano UTC time stamped onto event payloads.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
