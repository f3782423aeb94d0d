package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deltazero-dev/agentwire/internal/proc"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Terminate orphaned agent processes from previous runs",
	Long: `Reap loads the persistent process registry, terminates every recorded
agent that is still alive, and prunes stale entries.

Entries older than seven days, dead pids, and pids that have been reused
by unrelated processes are dropped without signaling. Live orphans get a
graceful terminate, then a kill if they resist.

The registry lives at <user-config-dir>/ACP/acp-processes.json unless
registry.path overrides it.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	path := cfg.Registry.Path
	if path == "" {
		path, err = proc.DefaultRegistryPath()
		if err != nil {
			return err
		}
	}

	registry := proc.NewRegistry(path, logger)
	before := len(registry.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	proc.ReapOrphans(ctx, registry, logger)

	after := len(registry.Load())
	fmt.Fprintf(os.Stdout, "registry %s: %d entries before, %d retained\n", path, before, after)
	return nil
}
