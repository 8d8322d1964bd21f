// Package main provides the loom CLI: a conversational agent over AWS
// Bedrock with local and MCP-served tools.
//
// Run a single turn:
//
//	loom chat "summarize the readme" --config loom.yaml
//
// Stream tokens as they arrive:
//
//	loom chat --stream "explain this stack trace"
//
// Inspect configured MCP servers:
//
//	loom mcp status
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - conversational agent over AWS Bedrock",
		Long: `Loom runs bounded tool-use conversation turns against AWS Bedrock,
with local tools and remote MCP servers merged into one catalog.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildMCPCmd(),
	)
	return rootCmd
}
