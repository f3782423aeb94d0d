package config

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/deltazero-dev/agentwire/internal/term"
	"github.com/deltazero-dev/agentwire/internal/wire"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
	if cfg.EnvelopePolicy != "lenient" {
		t.Errorf("EnvelopePolicy default = %q", cfg.EnvelopePolicy)
	}
	if cfg.Terminal.ByteLimit != term.DefaultByteLimit {
		t.Errorf("Terminal.ByteLimit default = %d", cfg.Terminal.ByteLimit)
	}
	if cfg.Terminal.ReleasedCap != term.DefaultReleasedCap {
		t.Errorf("Terminal.ReleasedCap default = %d", cfg.Terminal.ReleasedCap)
	}
}

func TestSetDefaults_PreservesExplicit(t *testing.T) {
	cfg := Config{
		LogLevel:       "debug",
		EnvelopePolicy: "strict",
		Terminal:       TerminalConfig{ByteLimit: 4096, ReleasedCap: 5},
	}
	cfg.SetDefaults()
	if cfg.LogLevel != "debug" || cfg.EnvelopePolicy != "strict" {
		t.Error("explicit values must survive SetDefaults")
	}
	if cfg.Terminal.ByteLimit != 4096 || cfg.Terminal.ReleasedCap != 5 {
		t.Error("explicit terminal settings must survive SetDefaults")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWirePolicy(t *testing.T) {
	if (&Config{EnvelopePolicy: "strict"}).WirePolicy() != wire.Strict {
		t.Error("strict should map to wire.Strict")
	}
	if (&Config{EnvelopePolicy: "lenient"}).WirePolicy() != wire.Lenient {
		t.Error("lenient should map to wire.Lenient")
	}
	if (&Config{}).WirePolicy() != wire.Lenient {
		t.Error("empty should default to wire.Lenient")
	}
}

func validConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"bad policy", func(c *Config) { c.EnvelopePolicy = "paranoid" }, "envelope_policy"},
		{"negative byte limit", func(c *Config) { c.Terminal.ByteLimit = -1 }, "byte_limit"},
		{"relative registry", func(c *Config) { c.Registry.Path = "relative/reg.json" }, "absolute"},
		{"relative cwd", func(c *Config) { c.Agent.Cwd = "workdir" }, "absolute"},
		{"record without path", func(c *Config) { c.Record.Enabled = true }, "record.path"},
		{"rule missing name", func(c *Config) {
			c.Permission.Rules = []RuleConfig{{Expression: "true", Action: "allow"}}
		}, "required"},
		{"rule bad action", func(c *Config) {
			c.Permission.Rules = []RuleConfig{{Name: "r", Expression: "true", Action: "shrug"}}
		}, "one of"},
		{"rule bad expression", func(c *Config) {
			c.Permission.Rules = []RuleConfig{{Name: "r", Expression: "method ==", Action: "allow"}}
		}, "permission rules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q should mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidate_GoodRules(t *testing.T) {
	cfg := validConfig()
	cfg.Permission.Rules = []RuleConfig{
		{Name: "allow-reads", Expression: `method == "fs/read_text_file"`, Action: "allow"},
		{Name: "deny-shell", Expression: `tool_name == "shell"`, Action: "deny"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid rules must pass: %v", err)
	}
	rules := cfg.PermissionRules()
	if len(rules) != 2 || rules[1].Action != "deny" {
		t.Errorf("rule conversion wrong: %+v", rules)
	}
}
