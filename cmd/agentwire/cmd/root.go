// Package cmd provides the CLI commands for agentwire.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/deltazero-dev/agentwire/internal/config"
)

var cfgFile string
var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "agentwire",
	Short: "agentwire - ACP peer runtime",
	Long: `agentwire is a bidirectional JSON-RPC 2.0 peer runtime for the Agent
Client Protocol (ACP): it spawns coding agents as subprocesses, speaks
line-delimited JSON-RPC over their standard streams, and serves the
client-side methods (file I/O, terminals, permission prompts) they call
back into.

Quick start:
  1. Optionally create a config file: agentwire.yaml (see 'agentwire init')
  2. Run one RPC against an agent: agentwire call --agent my-agent initialize

Configuration:
  Config is loaded from agentwire.yaml in the current directory,
  $HOME/.agentwire/, or /etc/agentwire/.

  Environment variables can override config values with the AGENTWIRE_
  prefix. Example: AGENTWIRE_TERMINAL_BYTE_LIMIT=65536

Commands:
  call        Spawn an agent and issue a single RPC
  reap        Terminate orphaned agent processes from previous runs
  env         Print the captured login-shell environment snapshot
  init        Write a default agentwire.yaml
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentwire.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfig reads the configuration and applies the CLI log-level
// override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger. All diagnostics go to stderr;
// stdout belongs to command output.
func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
}
