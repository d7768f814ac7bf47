package main

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	flagConfig  string
	flagOffline bool
	flagWorkdir string
	flagMetrics bool
	flagTrace   bool
	flagModel   string
	flagYes     bool
)

var rootCmd = &cobra.Command{
	Use:     "tern [prompt]",
	Short:   "Agentic task execution core",
	Long:    "tern runs model-driven tasks: it streams turns from an LLM backend, executes approved tool calls, and loops until the task completes.\n\nWith a prompt argument it runs one task and exits; without one it starts an interactive session.",
	Version: version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: ~/.config/tern/tern.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagWorkdir, "workdir", "w", "", "working directory for tools (default: cwd)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "model name override")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "use the offline echo backend instead of a real LLM")
	rootCmd.PersistentFlags().BoolVar(&flagMetrics, "metrics", false, "expose Prometheus metrics")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace", false, "export OTLP traces")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "auto-approve every tool call (never_ask mode)")
}
