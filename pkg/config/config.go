// Package config loads, defaults and validates the crewd configuration.
// Settings come from an optional YAML file overlaid on built-in defaults,
// with a fixed set of environment variables taking final precedence.
package config

import "os"

// DefaultPath is the config file consulted when CREWD_CONFIG is unset.
const DefaultPath = "crewd.yaml"

// Config is the complete server configuration. Secrets never live here;
// fields ending in Env name the environment variable that holds the value.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Limits     LimitsConfig     `yaml:"limits"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Router     RouterConfig     `yaml:"router"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Database   DatabaseConfig   `yaml:"database"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Pool       PoolConfig       `yaml:"pool"`
	Events     EventsConfig     `yaml:"events"`
	Agents     AgentsConfig     `yaml:"agents"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`

	// APIKeyEnv names the variable holding the request API key. Requests
	// carry it as X-API-Key; an empty variable disables the check.
	APIKeyEnv string `yaml:"api_key_env"`

	ReadTimeout Duration `yaml:"read_timeout"`

	// WriteTimeout must stay zero while SSE streaming is served; a
	// non-zero value cuts long-lived streams mid-run.
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// APIKey resolves the configured API key from the environment.
func (s ServerConfig) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// APIKey resolves the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ProvidersConfig holds the two gateway tiers. Primary is required. The
// secondary tier activates when its key variable resolves, so a bare
// install runs single-tier until OPENAI_API_KEY appears.
type ProvidersConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`
}

// SecondaryEnabled reports whether the fallback tier is configured and
// its key resolves.
func (p ProvidersConfig) SecondaryEnabled() bool {
	return p.Secondary.Model != "" && p.Secondary.APIKey() != ""
}

// GatewayConfig holds LLM call retry and rate settings.
type GatewayConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	CallTimeout Duration `yaml:"call_timeout"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	RateBurst   int      `yaml:"rate_burst"`
}

// LimitsConfig holds the conversation safety ceilings.
type LimitsConfig struct {
	MaxTurns   int `yaml:"max_turns"`
	MaxRetries int `yaml:"max_retries"`
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// RouterConfig holds routing engine settings.
type RouterConfig struct {
	// ForceLevel is the minimum fallback level the router starts at,
	// 0 through 3. Used to exercise lower levels in testing.
	ForceLevel int `yaml:"force_level"`
}

// WorkspaceConfig holds the sandbox root for workspace tools.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// DatabaseConfig selects the checkpoint backend. URL selects postgres and
// takes precedence; otherwise Path selects a sqlite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

// PluginsConfig holds agent plugin loading settings.
type PluginsConfig struct {
	// Dir is scanned for *.json manifests at startup. Empty or absent
	// directories load nothing.
	Dir string `yaml:"dir"`

	// Watch enables hot reload of the plugin directory.
	Watch bool `yaml:"watch"`
}

// PoolConfig holds run pool settings.
type PoolConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	RunTimeout    Duration `yaml:"run_timeout"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	// BufferSize is the per-subscriber event queue length.
	BufferSize int `yaml:"buffer_size"`
}

// AgentsConfig holds agent execution settings.
type AgentsConfig struct {
	// MaxToolRounds bounds the ask-execute loop per agent step.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// ApprovalAfter lists agents whose completion parks the thread until
	// a human verdict arrives.
	ApprovalAfter []string `yaml:"approval_after"`
}

// SupervisorConfig holds hierarchical dispatch settings.
type SupervisorConfig struct {
	// Parallel runs dispatched sub-tasks concurrently instead of in
	// plan order.
	Parallel bool `yaml:"parallel"`
}

// RetentionConfig holds checkpoint retention settings.
type RetentionConfig struct {
	// MaxThreadAge purges threads idle longer than this. Zero disables
	// retention.
	MaxThreadAge  Duration `yaml:"max_thread_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}
