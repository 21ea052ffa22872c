// Package main is the CLI entry point for the inference gateway.
//
// Start the server:
//
//	gateway serve --config gateway.yaml
//
// Configuration can also be pointed at via the GATEWAY_CONFIG
// environment variable; provider keys are usually injected through
// ${ENV} expansion inside the config file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "OpenAI-compatible LLM inference gateway",
		Long: `The gateway exposes an OpenAI-compatible chat-completions API over
multiple LLM providers, with templated prompts, versioned deployments,
provider failover, hosted tools, run persistence and search.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gateway %s\ncommit:  %s\nbuilt:   %s\n", version, commit, date)
		},
	}
}
