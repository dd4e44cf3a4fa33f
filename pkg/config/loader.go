package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load returns ready-to-use configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file, expanding {{.VAR}} environment references
//  3. Merge file values over defaults (set values override)
//  4. Apply environment variable overrides
//  5. Validate
//
// An empty path falls back to DefaultPath; only an explicitly named file is
// required to exist, so a bare install boots on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = ExpandEnv(data)

		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(cfg, &file, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("failed to merge configuration: %w", err))
		}
	case os.IsNotExist(err) && !explicit:
		slog.Info("config file absent, using built-in defaults", "path", path)
	case os.IsNotExist(err):
		return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
	default:
		return nil, NewLoadError(path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("configuration loaded",
		"path", path,
		"port", cfg.Server.Port,
		"database", cfg.Database.Backend(),
		"secondary_provider", cfg.Providers.SecondaryEnabled(),
		"force_level", cfg.Router.ForceLevel)

	return cfg, nil
}

// Backend names the selected checkpoint backend for logging.
func (d DatabaseConfig) Backend() string {
	if d.URL != "" {
		return "postgres"
	}
	return "sqlite"
}

// applyEnv applies the fixed environment overrides. Values that fail to
// parse are logged and skipped rather than failing startup.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			slog.Warn("ignoring unparseable PORT", "value", v)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv("PLUGIN_DIR"); v != "" {
		c.Plugins.Dir = v
	}
	if v := os.Getenv("ROUTER_FORCE_LEVEL"); v != "" {
		if level, err := strconv.Atoi(v); err == nil {
			c.Router.ForceLevel = level
		} else {
			slog.Warn("ignoring unparseable ROUTER_FORCE_LEVEL", "value", v)
		}
	}
}
