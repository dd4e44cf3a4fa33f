package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// allowedGitSubcommands is the closed set git_ops may run. Anything with
// repository-destroying or history-rewriting potential stays out.
var allowedGitSubcommands = map[string]bool{
	"status":    true,
	"log":       true,
	"diff":      true,
	"show":      true,
	"add":       true,
	"commit":    true,
	"branch":    true,
	"checkout":  true,
	"tag":       true,
	"rev-parse": true,
	"remote":    true,
	"push":      true,
}

type gitOpsArgs struct {
	Subcommand string   `json:"subcommand" jsonschema:"required,description=Git subcommand to run"`
	Args       []string `json:"args,omitempty" jsonschema:"description=Arguments passed to the subcommand"`
}

// GitOpsTool runs whitelisted git subcommands in the workspace root.
type GitOpsTool struct {
	ws        *Workspace
	timeout   time.Duration
	maxOutput int
}

func NewGitOpsTool(ws *Workspace, timeout time.Duration, maxOutput int) *GitOpsTool {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &GitOpsTool{ws: ws, timeout: timeout, maxOutput: maxOutput}
}

func (t *GitOpsTool) Name() string { return "git_ops" }

func (t *GitOpsTool) Description() string {
	return "Run a whitelisted git subcommand in the workspace repository."
}

func (t *GitOpsTool) InputSchema() json.RawMessage { return schemaFor[gitOpsArgs]() }

func (t *GitOpsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in gitOpsArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	sub := strings.ToLower(strings.TrimSpace(in.Subcommand))
	if !allowedGitSubcommands[sub] {
		return "", fmt.Errorf("git subcommand %q is not allowed", in.Subcommand)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	argv := append([]string{sub}, in.Args...)
	cmd := exec.CommandContext(runCtx, "git", argv...)
	cmd.Dir = t.ws.Root()
	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	return encodeResult(map[string]any{
		"subcommand": sub,
		"args":       in.Args,
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"exit_code":  exitCode(err),
	})
}
