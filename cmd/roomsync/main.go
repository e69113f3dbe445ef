// Package main provides the roomsync CLI.
//
// roomsync runs a websocket hub that keeps shared room state and per-user
// state in sync between connected participants, and ships a small client for
// watching a room from the terminal.
//
// # Basic Usage
//
// Start the hub:
//
//	roomsync serve --config roomsync.yaml
//
// Join a room and print every update:
//
//	roomsync watch --url ws://localhost:3000/ws --id alice --room lobby
//
// Inspect the lifecycle timeline of a running hub:
//
//	roomsync events --addr http://localhost:3000 --room lobby
//
// # Environment Variables
//
// Configuration files may reference environment variables as ${NAME}.
//
// # Build Information
//
// Version information is embedded at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2026-01-01"
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information populated via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "roomsync.yaml"

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roomsync",
		Short: "roomsync - real-time room state sync hub",
		Long: `roomsync relays room and user state between websocket participants.

Updates travel on three channels: reliable (sent immediately), unreliable
(coalesced per room in short bursts) and batched (merged on the client and
delivered as one message per interval).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWatchCmd(),
		buildEventsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
