// Package agent provides the specialist roster for the orchestration
// engine: the registry of agent entries, the built-in thirteen-member
// team, the handler that runs an entry as a graph node, and plugin
// manifest loading with hot reload.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrDuplicateAgent is returned when a name is registered twice.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrUnknownAgent is returned when a lookup names no registered agent.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Entry declares one agent. Role feeds the Router prompt; SystemPrompt
// steers the agent's own invocations. OutputSchema names the artifact type
// a structured agent emits. Keywords feed the rule-based routing fallback
// for plugins.
type Entry struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	OutputSchema string   `json:"output_schema,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`

	// SelfLoop marks the node that re-enters itself on needs_retry.
	// Not settable from plugin manifests.
	SelfLoop bool `json:"self_loop,omitempty"`

	// Plugin marks entries loaded from manifests. Reloads replace only
	// plugin entries.
	Plugin bool `json:"plugin,omitempty"`
}

// Validate checks the fields every entry must carry.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.TrimSpace(e.Role) == "" {
		return fmt.Errorf("agent %s: role is required", e.Name)
	}
	if strings.TrimSpace(e.SystemPrompt) == "" {
		return fmt.Errorf("agent %s: system prompt is required", e.Name)
	}
	if e.OutputSchema != "" {
		if _, ok := SchemaFor(e.OutputSchema); !ok {
			return fmt.Errorf("agent %s: unknown output schema %q", e.Name, e.OutputSchema)
		}
		// The invocation mode is implied by the entry's shape, so an entry
		// cannot be both structured and tool-using.
		if len(e.Tools) > 0 {
			return fmt.Errorf("agent %s: tools cannot be combined with an output schema", e.Name)
		}
	}
	return nil
}

// Registry is the thread-safe agent roster. Registration order is stable so
// listings and the Router decision space stay deterministic.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger.With("component", "agent_registry"),
	}
}

// Register adds an entry.
func (r *Registry) Register(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(e)
}

func (r *Registry) registerLocked(e Entry) error {
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("%s: %w", e.Name, ErrDuplicateAgent)
	}
	r.entries[e.Name] = e
	r.order = append(r.order, e.Name)
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", name, ErrUnknownAgent)
	}
	return e, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// RouterContext formats the plugin entries into a block appended to the
// Router prompt. Empty when no plugins are loaded.
func (r *Registry) RouterContext() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range r.order {
		e := r.entries[name]
		if !e.Plugin {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Additional plugin specialists:\n")
		}
		fmt.Fprintf(&b, "- %s: %s", e.Name, e.Role)
		if len(e.Keywords) > 0 {
			fmt.Fprintf(&b, " (keywords: %s)", strings.Join(e.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// replacePlugins swaps the plugin subset of the roster in one locked pass.
// Built-in entries are untouched.
func (r *Registry) replacePlugins(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, name := range r.order {
		if r.entries[name].Plugin {
			delete(r.entries, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept

	for _, e := range entries {
		e.Plugin = true
		if err := r.registerLocked(e); err != nil {
			r.logger.Warn("skipping plugin agent", "agent", e.Name, "error", err)
		}
	}
}
