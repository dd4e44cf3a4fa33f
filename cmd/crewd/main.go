// crewd orchestration server: routes user requests through a team of
// specialist LLM agents over a checkpointed execution graph, and serves
// the chat, workflow, and streaming HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewkit/crewd/pkg/agent"
	"github.com/crewkit/crewd/pkg/api"
	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/cleanup"
	"github.com/crewkit/crewd/pkg/config"
	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/metrics"
	"github.com/crewkit/crewd/pkg/queue"
	"github.com/crewkit/crewd/pkg/router"
	"github.com/crewkit/crewd/pkg/safety"
	"github.com/crewkit/crewd/pkg/tools"
	"github.com/crewkit/crewd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging replaces the default logger with a JSON handler at the
// configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
}

func main() {
	configPath := flag.String("config",
		getEnv("CREWD_CONFIG", ""),
		"Path to the configuration file (default crewd.yaml when present)")
	flag.Parse()

	// Load .env before anything reads the environment, so provider keys and
	// {{.VAR}} config references resolve.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log.Level)

	slog.Info("starting crewd",
		"version", version.Full(),
		"port", cfg.Server.Port,
		"database", cfg.Database.Backend())

	ctx := context.Background()

	// 2. Checkpoint store
	store, err := checkpoint.Open(ctx, checkpoint.Config{
		Path: cfg.Database.Path,
		URL:  cfg.Database.URL,
	})
	if err != nil {
		slog.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("error closing checkpoint store", "error", err)
		}
	}()

	// 3. Telemetry
	m := metrics.New()

	// 4. Agent roster and plugins
	registry := agent.NewRegistry(nil)
	if err := agent.RegisterBuiltin(registry); err != nil {
		slog.Error("failed to register built-in agents", "error", err)
		os.Exit(1)
	}
	if cfg.Plugins.Dir != "" {
		if _, err := registry.LoadPlugins(cfg.Plugins.Dir); err != nil {
			slog.Error("failed to load agent plugins", "dir", cfg.Plugins.Dir, "error", err)
			os.Exit(1)
		}
		if cfg.Plugins.Watch {
			watcher, err := registry.WatchPlugins(cfg.Plugins.Dir)
			if err != nil {
				// Hot reload is an extra; a watch failure never stops startup.
				slog.Warn("plugin hot reload unavailable", "dir", cfg.Plugins.Dir, "error", err)
			} else {
				defer watcher.Close()
				slog.Info("plugin hot reload enabled", "dir", cfg.Plugins.Dir)
			}
		}
	}

	// 5. Workspace tools
	toolReg, err := tools.Builtin(tools.Config{WorkspaceRoot: cfg.Workspace.Root})
	if err != nil {
		slog.Error("failed to initialize workspace tools", "root", cfg.Workspace.Root, "error", err)
		os.Exit(1)
	}

	// 6. LLM providers and gateway
	primary, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:       cfg.Providers.Primary.APIKey(),
		BaseURL:      cfg.Providers.Primary.BaseURL,
		DefaultModel: cfg.Providers.Primary.Model,
		MaxTokens:    cfg.Providers.Primary.MaxTokens,
	})
	if err != nil {
		slog.Error("failed to initialize primary provider", "error", err)
		os.Exit(1)
	}

	var secondary llm.Client
	if cfg.Providers.SecondaryEnabled() {
		secondary, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:       cfg.Providers.Secondary.APIKey(),
			BaseURL:      cfg.Providers.Secondary.BaseURL,
			DefaultModel: cfg.Providers.Secondary.Model,
		})
		if err != nil {
			slog.Error("failed to initialize secondary provider", "error", err)
			os.Exit(1)
		}
	}

	usage := llm.NewUsageLog()
	gateway := llm.NewGateway(primary, secondary, llm.GatewayConfig{
		MaxAttempts: cfg.Gateway.MaxAttempts,
		BackoffBase: cfg.Gateway.BackoffBase.Duration(),
		BackoffCap:  cfg.Gateway.BackoffCap.Duration(),
		CallTimeout: cfg.Gateway.CallTimeout.Duration(),
		RatePerSec:  cfg.Gateway.RatePerSec,
		RateBurst:   cfg.Gateway.RateBurst,
	}, usage, m, nil)
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Error("error closing LLM gateway", "error", err)
		}
	}()
	slog.Info("LLM gateway initialized",
		"primary", cfg.Providers.Primary.Model,
		"secondary_enabled", secondary != nil)

	// 7. Safety envelope
	breakers := safety.NewRegistry(safety.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Duration(),
		OnStateChange: func(agentName string, from, to safety.BreakerState) {
			slog.Warn("circuit breaker state changed", "agent", agentName, "from", from, "to", to)
			m.SetBreakerState(agentName, string(to))
		},
	})
	limits := safety.Limits{
		MaxTurns:   cfg.Limits.MaxTurns,
		MaxRetries: cfg.Limits.MaxRetries,
	}.Normalize()

	// 8. Routing engine and graph executor
	bus := events.NewBus(cfg.Events.BufferSize)
	exec := graph.New(graph.Config{
		Agents: registry,
		Router: router.New(router.Config{
			Agents:     registry,
			Gateway:    gateway,
			Limits:     limits,
			Breakers:   breakers,
			ForceLevel: cfg.Router.ForceLevel,
			Observer:   m,
		}),
		Gateway:       gateway,
		Tools:         toolReg,
		Store:         store,
		Bus:           bus,
		Breakers:      breakers,
		Limits:        limits,
		MaxToolRounds: cfg.Agents.MaxToolRounds,
		Parallel:      cfg.Supervisor.Parallel,
		ApprovalAfter: cfg.Agents.ApprovalAfter,
		Observer:      m,
	})

	// 9. Run pool and retention sweeper
	pool := queue.NewPool(queue.Config{
		MaxConcurrent: cfg.Pool.MaxConcurrent,
		RunTimeout:    cfg.Pool.RunTimeout.Duration(),
	})
	sweeper := cleanup.NewService(cleanup.Config{
		MaxThreadAge: cfg.Retention.MaxThreadAge.Duration(),
		Interval:     cfg.Retention.SweepInterval.Duration(),
	}, store)
	sweeper.Start(ctx)

	// 10. HTTP server
	server := api.NewServer(api.Config{
		Executor:    exec,
		Pool:        pool,
		Store:       store,
		Agents:      registry,
		Bus:         bus,
		Metrics:     m,
		Usage:       usage,
		APIKey:      cfg.Server.APIKey(),
		ReadTimeout: cfg.Server.ReadTimeout.Duration(),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("crewd started",
		"agents", len(registry.Names()),
		"pool_capacity", cfg.Pool.MaxConcurrent)

	// 11. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. The pool drains first so open event streams end
	// and every active run checkpoints; requests arriving meanwhile get a
	// clean draining error. The HTTP server then closes on its own budget.
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Duration())
	defer drainCancel()
	pool.Stop(drainCtx)

	sweeper.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
