// Package main provides the CLI entry point for sessiond, an autonomous
// agent session daemon.
//
// sessiond runs an agent loop against an LLM provider (Anthropic, OpenAI)
// with local action execution, a persistent append-only event log, and loop
// detection with user-guided recovery.
//
// # Basic Usage
//
// Start an interactive session:
//
//	sessiond run --task "fix the failing test in pkg/parser"
//
// Replay a stored session as the model saw it:
//
//	sessiond replay --session 7f9c2a1e-...
//
// # Environment Variables
//
//   - SESSIOND_CONFIG: Path to configuration file (default: sessiond.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Autonomous agent session daemon",
		Long: `sessiond drives an autonomous agent session: it asks an LLM for the next
action, executes it in a local workspace, records every action and
observation in an append-only event log, and detects when the agent is
stuck in a loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReplayCmd(),
		buildEventsCmd(),
		buildVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(rootCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sessiond %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the SESSIOND_CONFIG fallback when no --config
// flag was given.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SESSIOND_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("sessiond.yaml"); err == nil {
		return "sessiond.yaml"
	}
	return ""
}
