package config

import (
	"fmt"
	"os"
	"strings"
)

// logLevels are the accepted values for log.level.
var logLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate performs comprehensive validation (fail-fast, stops at the
// first error).
func (c *Config) Validate() error {
	v := &validator{cfg: c}
	return v.validateAll()
}

type validator struct {
	cfg *Config
}

func (v *validator) validateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateLog,
		v.validateProviders,
		v.validateGateway,
		v.validateLimits,
		v.validateBreaker,
		v.validateRouter,
		v.validateWorkspace,
		v.validateDatabase,
		v.validatePool,
		v.validateEvents,
		v.validateAgents,
		v.validateRetention,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return NewValidationError("server", "timeouts", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateLog() error {
	level := strings.ToLower(v.cfg.Log.Level)
	if !logLevels[level] {
		return NewValidationError("log", "level", fmt.Errorf("%w: %q (want debug, info, warn or error)", ErrInvalidValue, v.cfg.Log.Level))
	}
	v.cfg.Log.Level = level
	return nil
}

func (v *validator) validateProviders() error {
	p := v.cfg.Providers

	if p.Primary.Model == "" {
		return NewValidationError("providers", "primary.model", ErrMissingRequiredField)
	}
	if p.Primary.APIKeyEnv == "" {
		return NewValidationError("providers", "primary.api_key_env", ErrMissingRequiredField)
	}
	if os.Getenv(p.Primary.APIKeyEnv) == "" {
		return NewValidationError("providers", "primary.api_key_env", fmt.Errorf("environment variable %s is not set", p.Primary.APIKeyEnv))
	}
	if p.Primary.MaxTokens < 0 {
		return NewValidationError("providers", "primary.max_tokens", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}

	// The secondary tier stays off while its key is absent, so only a
	// model with no key variable at all is a misconfiguration.
	if p.Secondary.Model != "" && p.Secondary.APIKeyEnv == "" {
		return NewValidationError("providers", "secondary.api_key_env", ErrMissingRequiredField)
	}
	return nil
}

func (v *validator) validateGateway() error {
	g := v.cfg.Gateway
	if g.MaxAttempts < 1 {
		return NewValidationError("gateway", "max_attempts", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if g.BackoffBase < 0 || g.BackoffCap < 0 {
		return NewValidationError("gateway", "backoff", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if g.CallTimeout <= 0 {
		return NewValidationError("gateway", "call_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if g.RatePerSec < 0 {
		return NewValidationError("gateway", "rate_per_sec", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateLimits() error {
	l := v.cfg.Limits
	if l.MaxTurns < 1 {
		return NewValidationError("limits", "max_turns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if l.MaxRetries < 0 {
		return NewValidationError("limits", "max_retries", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateBreaker() error {
	b := v.cfg.Breaker
	if b.FailureThreshold < 1 {
		return NewValidationError("breaker", "failure_threshold", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.SuccessThreshold < 1 {
		return NewValidationError("breaker", "success_threshold", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.Cooldown <= 0 {
		return NewValidationError("breaker", "cooldown", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateRouter() error {
	if level := v.cfg.Router.ForceLevel; level < 0 || level > 3 {
		return NewValidationError("router", "force_level", fmt.Errorf("%w: %d (want 0 through 3)", ErrInvalidValue, level))
	}
	return nil
}

func (v *validator) validateWorkspace() error {
	if v.cfg.Workspace.Root == "" {
		return NewValidationError("workspace", "root", ErrMissingRequiredField)
	}
	return nil
}

func (v *validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Path == "" && d.URL == "" {
		return NewValidationError("database", "", fmt.Errorf("%w: either path or url", ErrMissingRequiredField))
	}
	return nil
}

func (v *validator) validatePool() error {
	p := v.cfg.Pool
	if p.MaxConcurrent < 1 {
		return NewValidationError("pool", "max_concurrent", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.RunTimeout <= 0 {
		return NewValidationError("pool", "run_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateEvents() error {
	if v.cfg.Events.BufferSize < 1 {
		return NewValidationError("events", "buffer_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateAgents() error {
	a := v.cfg.Agents
	if a.MaxToolRounds < 1 {
		return NewValidationError("agents", "max_tool_rounds", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	for i, name := range a.ApprovalAfter {
		if strings.TrimSpace(name) == "" {
			return NewValidationError("agents", fmt.Sprintf("approval_after[%d]", i), fmt.Errorf("%w: empty agent name", ErrInvalidValue))
		}
	}
	return nil
}

func (v *validator) validateRetention() error {
	r := v.cfg.Retention
	if r.MaxThreadAge < 0 {
		return NewValidationError("retention", "max_thread_age", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if r.MaxThreadAge > 0 && r.SweepInterval <= 0 {
		return NewValidationError("retention", "sweep_interval", fmt.Errorf("%w: must be positive when retention is enabled", ErrInvalidValue))
	}
	return nil
}
