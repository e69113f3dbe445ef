package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/roomsync/internal/batch"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the hub.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the roomsync hub",
		Long: `Start the roomsync hub.

The server will:
1. Load configuration from the specified file (or roomsync.yaml)
2. Start the hub event loop and the empty-room sweep
3. Serve /ws, /healthz, /metrics and /debug/events
4. Reload logging level and room retention when the file changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  roomsync serve

  # Start with a custom config and debug logging
  roomsync serve --config /etc/roomsync/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Watch Command
// =============================================================================

type watchOptions struct {
	url        string
	id         string
	room       string
	payload    string
	interval   time.Duration
	configPath string
	jsonOut    bool

	reconnect   bool
	maxAttempts int
}

// buildWatchCmd creates the "watch" command, a participant that prints every
// update it receives.
func buildWatchCmd() *cobra.Command {
	opts := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room and print updates as they arrive",
		Example: `  roomsync watch --id alice --room lobby
  roomsync watch --url ws://hub:3000/ws --id bob --room lobby --payload '{"name":"bob"}'
  roomsync watch --id carol --room lobby --json | jq .
  roomsync watch --id dave --room lobby --reconnect --max-attempts 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, err := watchBatchInterval(opts, cmd.Flags().Changed("batch-interval"))
			if err != nil {
				return err
			}
			opts.interval = interval
			return runWatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:3000/ws", "Hub websocket URL")
	cmd.Flags().StringVar(&opts.id, "id", "", "Participant id")
	cmd.Flags().StringVar(&opts.room, "room", "", "Room to join")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "Initial user state as a JSON object")
	cmd.Flags().DurationVar(&opts.interval, "batch-interval", batch.DefaultInterval, "Batched channel interval (overrides sync.batch_interval)")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Read sync.batch_interval from this configuration file")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print JSON lines even on a terminal")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "Rejoin with exponential backoff when the hub drops the connection")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "Give up after this many consecutive failed attempts (0 retries forever)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

// =============================================================================
// Events Command
// =============================================================================

type eventsOptions struct {
	addr    string
	room    string
	conn    string
	typ     string
	limit   int
	format  string
	timeout time.Duration
}

// buildEventsCmd creates the "events" command for reading a hub's timeline.
func buildEventsCmd() *cobra.Command {
	opts := eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the lifecycle timeline of a running hub",
		Long: `Show connection and lifecycle events recorded by a running hub.

Events carry the connection id and room, so a single participant's history
can be followed from connect to disconnect.`,
		Example: `  # Everything that happened in a room
  roomsync events --room lobby

  # The last 20 events of one connection, as JSON
  roomsync events --conn 7f0c... --limit 20 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "http://localhost:3000", "Hub HTTP address")
	cmd.Flags().StringVar(&opts.room, "room", "", "Filter by room")
	cmd.Flags().StringVar(&opts.conn, "conn", "", "Filter by connection id")
	cmd.Flags().StringVar(&opts.typ, "type", "", "Filter by event type (e.g. lifecycle.join)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Show only the most recent N events")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format (text, json)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd(), buildConfigShowCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a config file and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roomsync %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
