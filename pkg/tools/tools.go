// Package tools holds the side-effect operations agents may invoke: file
// access confined to a workspace root, shell and test execution, HTTP
// fetch, web search and whitelisted git subcommands. A registry validates
// call arguments against each tool's JSON schema before dispatch.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is one named operation. Execute receives schema-valid JSON arguments
// and returns a serialized result string.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is a thread-safe tool collection keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, compiling its input schema for argument validation.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	compiled, err := jsonschema.CompileString(name+".json", string(tool.InputSchema()))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%s: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = &registered{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-ready definitions for the named tools, or for
// every registered tool when no names are given. Unknown names are skipped;
// agent configurations are validated against the registry at load time.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:             name,
			Description:      reg.tool.Description(),
			ParametersSchema: reg.tool.InputSchema(),
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownTool)
	}
	if err := validateArgs(reg.schema, args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return reg.tool.Execute(ctx, args)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(v)
}

func encodeResult(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
