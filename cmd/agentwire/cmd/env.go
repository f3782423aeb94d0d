package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/deltazero-dev/agentwire/internal/shellenv"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the captured login-shell environment snapshot",
	Long: `Env launches the user's login shell once, harvests its environment, and
prints the KEY=VALUE pairs. This is the same snapshot agent subprocesses
and terminal sessions inherit, so it is the fastest way to check what
PATH an agent will actually see.`,
	Run: func(cmd *cobra.Command, args []string) {
		env := shellenv.Get()
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%s=%s\n", k, env[k])
		}
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
