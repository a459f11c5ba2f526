// Package main provides the CLI entry point for the TaskPilot agent core.
//
// TaskPilot runs multi-session tool-using agent loops against any
// OpenAI-compatible chat-completions endpoint, with supervised tool
// approval, TODO-driven planning, and automatic history compaction.
//
// # Basic Usage
//
// Start the session server:
//
//	taskpilot serve --config taskpilot.json
//
// Run a single task from the terminal:
//
//	taskpilot run "rename the User struct to Account" --dir ./myproject
//
// Check the configuration:
//
//	taskpilot doctor
//
// # Environment Variables
//
// Config documents are environment-expanded before parsing, so API keys
// can be referenced as ${OPENAI_API_KEY} instead of being inlined.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

const defaultConfigPath = "taskpilot.json"

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

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskpilot",
		Short: "TaskPilot - Multi-session AI coding agent core",
		Long: `TaskPilot drives tool-using agent sessions against OpenAI-compatible
chat-completions endpoints.

Each session runs in its own isolated worker with supervised tool
approval, TODO-driven planning, and automatic context compaction.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildDoctorCmd(),
		buildSessionsCmd(),
	)

	return rootCmd
}
