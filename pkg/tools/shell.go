package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultCommandTimeout bounds shell executions with no explicit limit.
	DefaultCommandTimeout = 60 * time.Second

	// DefaultMaxOutputBytes caps captured stdout and stderr, each.
	DefaultMaxOutputBytes = 64 << 10

	// DefaultTestCommand runs when no test command is configured.
	DefaultTestCommand = "go test ./..."
)

type commandResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// runShell executes command under /bin/sh in dir, bounded by timeout, with
// capped output capture. Non-zero exits are reported in the result, not as
// errors; callers feed the result string back to the model either way.
func runShell(ctx context.Context, dir, command string, timeout time.Duration, maxOutput int) commandResult {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := newLimitedBuffer(maxOutput)
	stderr := newLimitedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	return commandResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(err),
		DurationMS: time.Since(start).Milliseconds(),
		TimedOut:   errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type runCommandArgs struct {
	Command        string `json:"command" jsonschema:"required,description=Shell command to run"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Per-call timeout in seconds. Only shortens the configured bound,minimum=0"`
}

// RunCommandTool runs a shell command inside the workspace.
type RunCommandTool struct {
	ws        *Workspace
	timeout   time.Duration
	maxOutput int
}

func NewRunCommandTool(ws *Workspace, timeout time.Duration, maxOutput int) *RunCommandTool {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &RunCommandTool{ws: ws, timeout: timeout, maxOutput: maxOutput}
}

func (t *RunCommandTool) Name() string { return "run_command" }

func (t *RunCommandTool) Description() string {
	return "Run a shell command in the workspace and capture stdout, stderr and the exit status."
}

func (t *RunCommandTool) InputSchema() json.RawMessage { return schemaFor[runCommandArgs]() }

func (t *RunCommandTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in runCommandArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	dir := t.ws.Root()
	if in.Cwd != "" {
		resolved, err := t.ws.Resolve(in.Cwd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	timeout := t.timeout
	if requested := time.Duration(in.TimeoutSeconds) * time.Second; requested > 0 && requested < timeout {
		timeout = requested
	}

	result := runShell(ctx, dir, in.Command, timeout, t.maxOutput)
	return encodeResult(result)
}

var packageSelectorPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+(\.\.\.)?$`)

type runTestsArgs struct {
	Package string `json:"package,omitempty" jsonschema:"description=Optional package or path selector appended to the test command"`
}

// RunTestsTool runs the configured test command in the workspace root.
type RunTestsTool struct {
	ws        *Workspace
	command   string
	timeout   time.Duration
	maxOutput int
}

func NewRunTestsTool(ws *Workspace, command string, timeout time.Duration, maxOutput int) *RunTestsTool {
	if command == "" {
		command = DefaultTestCommand
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &RunTestsTool{ws: ws, command: command, timeout: timeout, maxOutput: maxOutput}
}

func (t *RunTestsTool) Name() string { return "run_tests" }

func (t *RunTestsTool) Description() string {
	return "Run the project test suite in the workspace and report the outcome."
}

func (t *RunTestsTool) InputSchema() json.RawMessage { return schemaFor[runTestsArgs]() }

func (t *RunTestsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in runTestsArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	command := t.command
	if in.Package != "" {
		if !packageSelectorPattern.MatchString(in.Package) {
			return "", fmt.Errorf("invalid package selector %q", in.Package)
		}
		command += " " + in.Package
	}

	result := runShell(ctx, t.ws.Root(), command, t.timeout, t.maxOutput)
	return encodeResult(map[string]any{
		"command":     result.Command,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": result.DurationMS,
		"timed_out":   result.TimedOut,
		"passed":      result.ExitCode == 0 && !result.TimedOut,
	})
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

// Write keeps at most max bytes and silently discards the rest, always
// reporting full consumption so the producing process is not blocked.
func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(b.buf) >= b.max {
		return n, nil
	}
	if remaining := b.max - len(b.buf); len(p) > remaining {
		p = p[:remaining]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
