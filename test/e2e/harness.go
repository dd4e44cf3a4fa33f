// Package e2e boots a complete crewd instance against a scripted LLM
// gateway and drives it through the real HTTP and WebSocket surfaces: the
// checkpoint store runs on a throwaway sqlite file, the agent roster, the
// Router, the graph executor, the run pool and the API server are all real.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/api"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/metrics"
	"github.com/crewkit/crewd/pkg/queue"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/tools"
)

// TestApp is one fully wired crewd instance on a random port.
type TestApp struct {
	Store    *checkpoint.SQLStore
	LLM      *ScriptedLLM
	Registry *agent.Registry
	Tools    *tools.Registry
	Bus      *events.Bus
	Breakers *safety.Registry
	Metrics  *metrics.Metrics
	Executor *graph.Executor
	Pool     *queue.RunPool
	Server   *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/events/ws"
	DBPath  string

	apiKey   string
	t        *testing.T
	stopOnce sync.Once
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	dbPath        string
	script        *ScriptedLLM
	toolReg       *tools.Registry
	limits        safety.Limits
	breaker       safety.BreakerConfig
	forceLevel    int
	approvalAfter []string
	apiKey        string
	poolSize      int
	runTimeout    time.Duration
	eventBuffer   int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithDatabasePath points the checkpoint store at a specific sqlite file.
// Crash-resume tests boot two instances against the same path.
func WithDatabasePath(path string) TestAppOption {
	return func(c *testAppConfig) { c.dbPath = path }
}

// WithLLM sets a pre-scripted gateway.
func WithLLM(script *ScriptedLLM) TestAppOption {
	return func(c *testAppConfig) { c.script = script }
}

// WithToolRegistry replaces the built-in workspace tools.
func WithToolRegistry(reg *tools.Registry) TestAppOption {
	return func(c *testAppConfig) { c.toolReg = reg }
}

// WithLimits sets the turn and retry ceilings.
func WithLimits(l safety.Limits) TestAppOption {
	return func(c *testAppConfig) { c.limits = l }
}

// WithBreaker sets the circuit breaker defaults.
func WithBreaker(cfg safety.BreakerConfig) TestAppOption {
	return func(c *testAppConfig) { c.breaker = cfg }
}

// WithForceLevel pins the Router's starting level.
func WithForceLevel(level int) TestAppOption {
	return func(c *testAppConfig) { c.forceLevel = level }
}

// WithApprovalAfter gates the named agents behind a human verdict.
func WithApprovalAfter(names ...string) TestAppOption {
	return func(c *testAppConfig) { c.approvalAfter = names }
}

// WithAPIKey enables API-key auth on the protected routes.
func WithAPIKey(key string) TestAppOption {
	return func(c *testAppConfig) { c.apiKey = key }
}

// WithPoolSize caps concurrent runs.
func WithPoolSize(n int) TestAppOption {
	return func(c *testAppConfig) { c.poolSize = n }
}

// WithRunTimeout bounds a single run end to end.
func WithRunTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.runTimeout = d }
}

// NewTestApp creates and starts a full crewd test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		limits:      safety.DefaultLimits(),
		poolSize:    4,
		runTimeout:  30 * time.Second,
		eventBuffer: 256,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.dbPath == "" {
		tc.dbPath = filepath.Join(t.TempDir(), "crewd.db")
	}
	if tc.script == nil {
		tc.script = NewScriptedLLM()
	}

	ctx := context.Background()

	// 1. Checkpoint store on sqlite.
	store, err := checkpoint.Open(ctx, checkpoint.Config{Path: tc.dbPath})
	require.NoError(t, err)

	// 2. Agent roster.
	registry := agent.NewRegistry(nil)
	require.NoError(t, agent.RegisterBuiltin(registry))

	// 3. Workspace tools, confined to a temp root.
	toolReg := tc.toolReg
	if toolReg == nil {
		toolReg, err = tools.Builtin(tools.Config{WorkspaceRoot: t.TempDir()})
		require.NoError(t, err)
	}

	// 4. Engine collaborators.
	bus := events.NewBus(tc.eventBuffer)
	breakers := safety.NewRegistry(tc.breaker)
	m := metrics.New()

	rt := router.New(router.Config{
		Agents:     registry,
		Gateway:    tc.script,
		Limits:     tc.limits,
		Breakers:   breakers,
		ForceLevel: tc.forceLevel,
		Observer:   m,
	})

	executor := graph.New(graph.Config{
		Agents:        registry,
		Router:        rt,
		Gateway:       tc.script,
		Tools:         toolReg,
		Store:         store,
		Bus:           bus,
		Breakers:      breakers,
		Limits:        tc.limits,
		ApprovalAfter: tc.approvalAfter,
		Observer:      m,
	})

	pool := queue.NewPool(queue.Config{
		MaxConcurrent: tc.poolSize,
		RunTimeout:    tc.runTimeout,
	})

	// 5. HTTP server on a random port.
	server := api.NewServer(api.Config{
		Executor: executor,
		Pool:     pool,
		Store:    store,
		Agents:   registry,
		Bus:      bus,
		Metrics:  m,
		APIKey:   tc.apiKey,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()

	app := &TestApp{
		Store:    store,
		LLM:      tc.script,
		Registry: registry,
		Tools:    toolReg,
		Bus:      bus,
		Breakers: breakers,
		Metrics:  m,
		Executor: executor,
		Pool:     pool,
		Server:   server,
		BaseURL:  fmt.Sprintf("http://%s", addr),
		WSURL:    fmt.Sprintf("ws://%s/events/ws", addr),
		DBPath:   tc.dbPath,
		apiKey:   tc.apiKey,
		t:        t,
	}

	t.Cleanup(app.Stop)
	return app
}

// Stop shuts the instance down: the pool drains first so active runs
// checkpoint, then the HTTP server closes, then the store. Safe to call
// more than once; crash-resume tests stop the first instance by hand
// before booting a second one on the same database file.
func (app *TestApp) Stop() {
	app.stopOnce.Do(func() {
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDrain()
		app.Pool.Stop(drainCtx)

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		_ = app.Server.Shutdown(httpCtx)

		_ = app.Store.Close()
	})
}

// staticTool returns a fixed output for every execution.
type staticTool struct {
	name   string
	output string
}

func (t staticTool) Name() string                 { return t.name }
func (t staticTool) Description() string          { return "static " + t.name }
func (t staticTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }

func (t staticTool) Execute(context.Context, json.RawMessage) (string, error) {
	return t.output, nil
}

// staticToolRegistry builds a registry holding only the given stubs.
func staticToolRegistry(t *testing.T, stubs ...staticTool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, stub := range stubs {
		require.NoError(t, reg.Register(stub))
	}
	return reg
}
