// Package main provides the CLI entry point for agentrt, the agent
// kernel runtime: a planner/executor loop (internal/kernel) driven by
// an injected Planner, wired to a Tool Registry, Permission Engine,
// Tool Runtime, Active Memory, and a cron/every/at Scheduler, with an
// append-only hash-chained Journal recording everything that happens.
//
// # Basic Usage
//
// Run a single mock task end-to-end:
//
//	agentrt run --task "deploy the billing service" --config runtime.yaml
//
// Manage scheduled jobs:
//
//	agentrt schedule create --name nightly-report --every 24h --task "generate nightly report"
//	agentrt schedule list
//
// Inspect Active Memory:
//
//	agentrt memory query "deploy billing service"
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrt",
		Short: "agentrt - the agent kernel runtime",
		Long: `agentrt runs tasks through a planner/executor loop: a Planner proposes
a Plan, the Tool Runtime executes each Step under the Permission
Engine's policy, failures retry or replan, and Active Memory carries
lessons across sessions.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildScheduleCmd(),
		buildMemoryCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path == "" {
		return os.Getenv("AGENTRT_CONFIG")
	}
	return path
}
