package tools

import (
	"net/http"
	"time"
)

// Config carries the knobs shared by the built-in tool set.
type Config struct {
	// WorkspaceRoot is the directory all file and shell tools are confined to.
	WorkspaceRoot string

	// CommandTimeout bounds run_command, run_tests and git_ops executions.
	CommandTimeout time.Duration

	// TestCommand is the shell command run_tests executes.
	TestCommand string

	// SearchEndpoint is the SearXNG-compatible base URL for web_search.
	// Empty leaves web_search registered but failing with a clear error.
	SearchEndpoint string

	MaxFileBytes     int
	MaxOutputBytes   int
	MaxResponseBytes int

	// HTTPClient is shared by http_fetch and web_search. Nil gets a default
	// client with a sane timeout.
	HTTPClient *http.Client
}

// Builtin assembles the standard tool set rooted at the configured
// workspace and registers every tool.
func Builtin(cfg Config) (*Registry, error) {
	ws, err := NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	toolset := []Tool{
		NewReadFileTool(ws, cfg.MaxFileBytes),
		NewWriteFileTool(ws),
		NewListDirTool(ws),
		NewRunCommandTool(ws, cfg.CommandTimeout, cfg.MaxOutputBytes),
		NewRunTestsTool(ws, cfg.TestCommand, cfg.CommandTimeout, cfg.MaxOutputBytes),
		NewHTTPFetchTool(cfg.HTTPClient, cfg.MaxResponseBytes),
		NewWebSearchTool(cfg.SearchEndpoint, cfg.HTTPClient, 0),
		NewGitOpsTool(ws, cfg.CommandTimeout, cfg.MaxOutputBytes),
	}
	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
