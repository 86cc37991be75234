// Package config loads agent runtime configuration from reagent.toml,
// layering defaults, the TOML file, and environment variables (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Model     ModelConfig     `toml:"model"`
	Session   SessionConfig   `toml:"session"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type AgentConfig struct {
	Name         string `toml:"name"`
	SystemPrompt string `toml:"system_prompt"`
	MaxIters     int    `toml:"max_iters"`
	// ToolTimeout is a Go duration string ("30s", "2m"). Empty disables
	// the per-call timeout.
	ToolTimeout string `toml:"tool_timeout"`
	// ReminderMode is TOOL_CHOICE or PROMPT.
	ReminderMode string `toml:"reminder_mode"`
}

type ModelConfig struct {
	Provider string `toml:"provider"`
	Name     string `toml:"name"`
	APIKey   string `toml:"api_key"`
}

type SessionConfig struct {
	// Backend selects the session store: memory, file, sqlite, postgres.
	Backend string `toml:"backend"`
	// Root is the directory for the file backend.
	Root string `toml:"root"`
	// Path is the database file for the sqlite backend.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

type TelemetryConfig struct {
	Enabled bool                        `toml:"enabled"`
	Pricing map[string]TelemetryPricing `toml:"pricing"`
}

type TelemetryPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name:         "assistant",
			MaxIters:     10,
			ReminderMode: "TOOL_CHOICE",
		},
		Session: SessionConfig{
			Backend: "memory",
			Path:    "reagent.db",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "reagent.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("REAGENT_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("REAGENT_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("REAGENT_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("REAGENT_SESSION_DSN"); v != "" {
		cfg.Session.DSN = v
	}
	if v := os.Getenv("REAGENT_MAX_ITERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIters = n
		}
	}
	if v := os.Getenv("REAGENT_TELEMETRY_ENABLED"); v == "true" || v == "1" {
		cfg.Telemetry.Enabled = true
	}

	return cfg
}

// Validate checks cross-field constraints that TOML decoding cannot.
func (c Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name must not be empty")
	}
	if c.Agent.MaxIters < 1 {
		return fmt.Errorf("agent.max_iters must be at least 1, got %d", c.Agent.MaxIters)
	}
	if _, err := c.ToolTimeout(); err != nil {
		return err
	}
	switch c.Agent.ReminderMode {
	case "", "TOOL_CHOICE", "PROMPT":
	default:
		return fmt.Errorf("agent.reminder_mode must be TOOL_CHOICE or PROMPT, got %q", c.Agent.ReminderMode)
	}
	switch c.Session.Backend {
	case "", "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("session.backend must be one of memory, file, sqlite, postgres; got %q", c.Session.Backend)
	}
	if c.Session.Backend == "postgres" && c.Session.DSN == "" {
		return fmt.Errorf("session.dsn is required for the postgres backend")
	}
	if c.Session.Backend == "file" && c.Session.Root == "" {
		return fmt.Errorf("session.root is required for the file backend")
	}
	return nil
}

// ToolTimeout parses the agent.tool_timeout duration string. Empty means
// zero (no per-call timeout).
func (c Config) ToolTimeout() (time.Duration, error) {
	if c.Agent.ToolTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Agent.ToolTimeout)
	if err != nil {
		return 0, fmt.Errorf("agent.tool_timeout: %w", err)
	}
	return d, nil
}
