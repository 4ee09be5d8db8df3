// Package main provides the CLI entry point for the Relay session gateway.
//
// Relay bridges websocket clients to LLM providers (Anthropic, OpenAI)
// with guardrail screening, turn planning, and tool execution.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Mint a connection token:
//
//	relay token --user alice
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - RELAY_JWT_SECRET: Secret for signing connection tokens
//   - RELAY_DB_PATH: SQLite database path (empty runs in memory)
//   - RELAY_LOG_LEVEL: Minimum log level (debug, info, warn, error)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - Realtime AI session gateway",
		Long: `Relay connects websocket clients to LLM providers with guardrail
screening, turn planning, and tool execution.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
