package cmd

import (
	"github.com/spf13/cobra"
)

const defaultURL = "http://127.0.0.1:9090"

var rootCmd = &cobra.Command{
	Use:   "llama-srb-api",
	Short: "OpenAI-compatible completions API for a batched llama engine",
	Long: "llama-srb-api supervises one batched llama inference process and exposes it " +
		"as an OpenAI-style /v1/completions endpoint with parallel sequences and streaming.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/llama-srb-api/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: auto, console, json")
}
