// Package config loads the roomsync configuration from YAML or JSON5 files.
//
// Files may pull in other files with $include and reference environment
// variables as ${NAME}. Unknown fields are rejected, defaults are applied and
// the result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/roomsync/internal/batch"
	"github.com/haasonsaas/roomsync/internal/burst"
	"github.com/haasonsaas/roomsync/internal/observability"
	"github.com/haasonsaas/roomsync/internal/rooms"
	"github.com/haasonsaas/roomsync/internal/session"
)

// CurrentVersion is the config file format this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade roomsync to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d); update the version field", e.Version, e.Current)
}

// Config is the main configuration structure for roomsync.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Sync          SyncConfig          `yaml:"sync"`
	Rooms         RoomsConfig         `yaml:"rooms"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port" jsonschema:"minimum=1,maximum=65535"`
}

// SyncConfig holds the timing constants of the sync engine.
type SyncConfig struct {
	// BurstDelay is the unreliable-channel coalescing window.
	BurstDelay time.Duration `yaml:"burst_delay" jsonschema:"type=string"`

	// BatchInterval is the batched-channel interval of `roomsync watch -c`.
	// The hub applies batches as they arrive and does not read it.
	BatchInterval time.Duration `yaml:"batch_interval" jsonschema:"type=string"`

	// NoRoomTime is how long a connection may stay outside a room.
	NoRoomTime time.Duration `yaml:"no_room_time" jsonschema:"type=string"`
}

type RoomsConfig struct {
	// Retention is "keep" or "evict_empty".
	Retention     string `yaml:"retention" jsonschema:"enum=keep,enum=evict_empty"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" jsonschema:"enum=json,enum=text"`
}

// ObservabilityConfig configures tracing and the event timeline.
type ObservabilityConfig struct {
	Tracing  TracingConfig  `yaml:"tracing"`
	Timeline TimelineConfig `yaml:"timeline"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate" jsonschema:"minimum=0,maximum=1"`
	Insecure     bool    `yaml:"insecure"`
}

// TimelineConfig controls the in-memory event timeline served on
// /debug/events.
type TimelineConfig struct {
	Enabled   *bool         `yaml:"enabled"`
	MaxEvents int           `yaml:"max_events"`
	MaxAge    time.Duration `yaml:"max_age" jsonschema:"type=string"`
}

// Load reads, merges, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if cfg.Version != CurrentVersion {
		return nil, &VersionError{Version: cfg.Version, Current: CurrentVersion}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3000
	}
	if cfg.Sync.BurstDelay == 0 {
		cfg.Sync.BurstDelay = burst.DefaultDelay
	}
	if cfg.Sync.BatchInterval == 0 {
		cfg.Sync.BatchInterval = batch.DefaultInterval
	}
	if cfg.Sync.NoRoomTime == 0 {
		cfg.Sync.NoRoomTime = session.DefaultNoRoomTime
	}
	if cfg.Rooms.Retention == "" {
		cfg.Rooms.Retention = string(rooms.RetainKeep)
	}
	if cfg.Rooms.SweepSchedule == "" {
		cfg.Rooms.SweepSchedule = rooms.DefaultSweepSchedule
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "roomsync"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
	if cfg.Observability.Timeline.Enabled == nil {
		enabled := true
		cfg.Observability.Timeline.Enabled = &enabled
	}
	if cfg.Observability.Timeline.MaxEvents == 0 {
		cfg.Observability.Timeline.MaxEvents = 1000
	}
	if cfg.Observability.Timeline.MaxAge == 0 {
		cfg.Observability.Timeline.MaxAge = time.Hour
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var issues []string
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port must be between 1 and 65535, got %d", c.Server.HTTPPort))
	}
	for name, d := range map[string]time.Duration{
		"sync.burst_delay":    c.Sync.BurstDelay,
		"sync.batch_interval": c.Sync.BatchInterval,
		"sync.no_room_time":   c.Sync.NoRoomTime,
	} {
		if d < 0 {
			issues = append(issues, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := rooms.ParseRetention(c.Rooms.Retention); err != nil {
		issues = append(issues, fmt.Sprintf("rooms.retention: %v", err))
	}
	if _, err := rooms.SweepParser.Parse(c.Rooms.SweepSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("rooms.sweep_schedule: %v", err))
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		issues = append(issues, fmt.Sprintf("logging.level: %v", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	tracing := c.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		issues = append(issues, fmt.Sprintf("observability.tracing.sampling_rate must be within [0, 1], got %v", tracing.SamplingRate))
	}
	if c.Observability.Timeline.MaxEvents < 0 {
		issues = append(issues, "observability.timeline.max_events must not be negative")
	}
	if len(issues) == 0 {
		return nil
	}
	// Map iteration above is unordered.
	sort.Strings(issues)
	return errors.New("invalid config:\n  - " + strings.Join(issues, "\n  - "))
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HTTPPort))
}

// Retention returns the parsed room retention policy.
func (c *Config) Retention() rooms.Retention {
	p, err := rooms.ParseRetention(c.Rooms.Retention)
	if err != nil {
		return rooms.RetainKeep
	}
	return p
}

// TimelineEnabled reports whether the event timeline is on.
func (c *Config) TimelineEnabled() bool {
	return c.Observability.Timeline.Enabled == nil || *c.Observability.Timeline.Enabled
}

// RestartRequired lists the settings that differ between c and next but are
// only read at startup. Logging level and room retention apply live.
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string
	if c.Server != next.Server {
		changed = append(changed, "server")
	}
	if c.Sync != next.Sync {
		changed = append(changed, "sync")
	}
	if c.Rooms.SweepSchedule != next.Rooms.SweepSchedule {
		changed = append(changed, "rooms.sweep_schedule")
	}
	if c.Logging.Format != next.Logging.Format {
		changed = append(changed, "logging.format")
	}
	if c.Observability.Tracing != next.Observability.Tracing {
		changed = append(changed, "observability.tracing")
	}
	if c.TimelineEnabled() != next.TimelineEnabled() ||
		c.Observability.Timeline.MaxEvents != next.Observability.Timeline.MaxEvents ||
		c.Observability.Timeline.MaxAge != next.Observability.Timeline.MaxAge {
		changed = append(changed, "observability.timeline")
	}
	return changed
}
