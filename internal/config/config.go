// Package config provides configuration loading for the agentwire CLI and
// embedding hosts.
package config

import (
	"log/slog"

	"github.com/deltazero-dev/agentwire/internal/permission"
	"github.com/deltazero-dev/agentwire/internal/term"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

// Config is the root configuration.
type Config struct {
	// LogLevel controls the slog handler: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// EnvelopePolicy selects how method frames with malformed ids are
	// classified: lenient (demote to notification) or strict (drop).
	EnvelopePolicy string `mapstructure:"envelope_policy" validate:"omitempty,oneof=lenient strict"`

	Agent      AgentConfig      `mapstructure:"agent"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Record     RecordConfig     `mapstructure:"record"`
	Permission PermissionConfig `mapstructure:"permission"`
}

// AgentConfig describes the agent peer to spawn.
type AgentConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Cwd     string            `mapstructure:"cwd" validate:"omitempty,abs_path"`
	Env     map[string]string `mapstructure:"env"`
}

// TerminalConfig tunes the terminal session manager.
type TerminalConfig struct {
	ByteLimit   int `mapstructure:"byte_limit" validate:"omitempty,gt=0"`
	ReleasedCap int `mapstructure:"released_cap" validate:"omitempty,gt=0"`
}

// RegistryConfig locates the orphan registry file.
type RegistryConfig struct {
	Path string `mapstructure:"path" validate:"omitempty,abs_path"`
}

// RecordConfig controls the SQLite frame recorder.
type RecordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"omitempty,abs_path"`
}

// PermissionConfig holds the auto-decision rules for permission prompts.
type PermissionConfig struct {
	Rules []RuleConfig `mapstructure:"rules" validate:"dive"`
}

// RuleConfig is one CEL rule.
type RuleConfig struct {
	Name       string `mapstructure:"name" validate:"required"`
	Expression string `mapstructure:"expression" validate:"required"`
	Action     string `mapstructure:"action" validate:"oneof=allow deny"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.EnvelopePolicy == "" {
		c.EnvelopePolicy = "lenient"
	}
	if c.Terminal.ByteLimit == 0 {
		c.Terminal.ByteLimit = term.DefaultByteLimit
	}
	if c.Terminal.ReleasedCap == 0 {
		c.Terminal.ReleasedCap = term.DefaultReleasedCap
	}
}

// SlogLevel converts the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WirePolicy converts the configured envelope policy.
func (c *Config) WirePolicy() wire.Policy {
	if c.EnvelopePolicy == "strict" {
		return wire.Strict
	}
	return wire.Lenient
}

// PermissionRules converts the rule configs for the engine.
func (c *Config) PermissionRules() []permission.Rule {
	rules := make([]permission.Rule, 0, len(c.Permission.Rules))
	for _, rc := range c.Permission.Rules {
		rules = append(rules, permission.Rule{
			Name:       rc.Name,
			Expression: rc.Expression,
			Action:     permission.Action(rc.Action),
		})
	}
	return rules
}
