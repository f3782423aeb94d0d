package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, agentwire.yaml/.yml is searched in the
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file anywhere; ReadInConfig will return
		// ConfigFileNotFoundError, which callers handle gracefully.
		viper.SetConfigName("agentwire")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AGENTWIRE_TERMINAL_BYTE_LIMIT etc.
	viper.SetEnvPrefix("AGENTWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the working directory, ~/.agentwire, and
// /etc/agentwire for agentwire.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentwire"),
		"/etc/agentwire",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentwire"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("envelope_policy")

	_ = viper.BindEnv("agent.command")
	_ = viper.BindEnv("agent.cwd")
	// Note: agent.args and agent.env are structured; use the config file.

	_ = viper.BindEnv("terminal.byte_limit")
	_ = viper.BindEnv("terminal.released_cap")

	_ = viper.BindEnv("registry.path")

	_ = viper.BindEnv("record.enabled")
	_ = viper.BindEnv("record.path")

	// Note: permission.rules is an array; use the config file.
}

// LoadConfig reads the configuration, applies environment overrides and
// defaults, and validates. A missing config file is not an error; the
// defaults plus environment are a complete configuration.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found: environment plus defaults suffice.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
