package config

import "time"

// Default returns the built-in configuration. Every value here can run the
// server with nothing but ANTHROPIC_API_KEY set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			APIKeyEnv:       "SERVER_API_KEY",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    0,
			ShutdownTimeout: Duration(20 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				Model:     "claude-sonnet-4-20250514",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				MaxTokens: 4096,
			},
			Secondary: ProviderConfig{
				Model:     "gpt-5",
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
		Gateway: GatewayConfig{
			MaxAttempts: 3,
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffCap:  Duration(8 * time.Second),
			CallTimeout: Duration(60 * time.Second),
		},
		Limits: LimitsConfig{
			MaxTurns:   50,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Cooldown:         Duration(30 * time.Second),
		},
		Workspace: WorkspaceConfig{
			Root: "./workspace",
		},
		Database: DatabaseConfig{
			Path: "./crewd.db",
		},
		Plugins: PluginsConfig{
			Dir: "./plugins",
		},
		Pool: PoolConfig{
			MaxConcurrent: 8,
			RunTimeout:    Duration(10 * time.Minute),
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Agents: AgentsConfig{
			MaxToolRounds: 8,
		},
		Retention: RetentionConfig{
			SweepInterval: Duration(time.Hour),
		},
	}
}
