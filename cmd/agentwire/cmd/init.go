package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default agentwire.yaml",
	Long: `Init writes a default configuration to ./agentwire.yaml.
It refuses to overwrite an existing file unless --force is given.`,
	RunE: runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing agentwire.yaml")
	rootCmd.AddCommand(initCmd)
}

// defaultConfigDoc mirrors config.Config with yaml keys; kept separate so
// the generated file carries only what a user should edit.
type defaultConfigDoc struct {
	LogLevel       string `yaml:"log_level"`
	EnvelopePolicy string `yaml:"envelope_policy"`
	Agent          struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"agent"`
	Terminal struct {
		ByteLimit   int `yaml:"byte_limit"`
		ReleasedCap int `yaml:"released_cap"`
	} `yaml:"terminal"`
	Permission struct {
		Rules []map[string]string `yaml:"rules"`
	} `yaml:"permission"`
}

func runInit(cmd *cobra.Command, args []string) error {
	const path = "agentwire.yaml"
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	var doc defaultConfigDoc
	doc.LogLevel = "info"
	doc.EnvelopePolicy = "lenient"
	doc.Agent.Command = "my-agent"
	doc.Agent.Args = []string{}
	doc.Terminal.ByteLimit = 1_000_000
	doc.Terminal.ReleasedCap = 50
	doc.Permission.Rules = []map[string]string{
		{
			"name":       "allow-file-reads",
			"expression": `tool_name == "read"`,
			"action":     "allow",
		},
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", path)
	return nil
}
