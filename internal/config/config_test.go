package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/roomsync/internal/rooms"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "roomsync.yaml", contents)
}

func writeNamed(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address() != "0.0.0.0:3000" {
		t.Errorf("address = %s", cfg.Address())
	}
	if cfg.Sync.BurstDelay != 50*time.Millisecond || cfg.Sync.BatchInterval != 50*time.Millisecond {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.NoRoomTime != 10*time.Second {
		t.Errorf("no_room_time = %s", cfg.Sync.NoRoomTime)
	}
	if cfg.Retention() != rooms.RetainKeep || cfg.Rooms.SweepSchedule != "@every 1m" {
		t.Errorf("rooms = %+v", cfg.Rooms)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.TimelineEnabled() || cfg.Observability.Tracing.SamplingRate != 1 {
		t.Errorf("observability = %+v", cfg.Observability)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("version = %d", cfg.Version)
	}
}

func TestLoadParsesDurationsAndSections(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  http_port: 8088
sync:
  burst_delay: 100ms
  batch_interval: 25ms
  no_room_time: 30s
rooms:
  retention: evict_empty
  sweep_schedule: "*/30 * * * * *"
logging:
  level: debug
  format: text
observability:
  timeline:
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address() != "127.0.0.1:8088" {
		t.Errorf("address = %s", cfg.Address())
	}
	if cfg.Sync.BurstDelay != 100*time.Millisecond || cfg.Sync.BatchInterval != 25*time.Millisecond || cfg.Sync.NoRoomTime != 30*time.Second {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Retention() != rooms.RetainEvictEmpty {
		t.Errorf("retention = %s", cfg.Retention())
	}
	if cfg.TimelineEnabled() {
		t.Error("timeline should be disabled")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"retention", "rooms:\n  retention: forever\n", "rooms.retention"},
		{"sweep schedule", "rooms:\n  sweep_schedule: sometimes\n", "rooms.sweep_schedule"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
		{"port", "server:\n  http_port: 70000\n", "server.http_port"},
		{"negative duration", "sync:\n  burst_delay: -5ms\n", "sync.burst_delay"},
		{"tracing endpoint", "observability:\n  tracing:\n    enabled: true\n", "observability.tracing.endpoint"},
		{"sampling rate", "observability:\n  tracing:\n    sampling_rate: 2\n", "sampling_rate"},
		{"future version", "version: 9\n", "newer than this build"},
		{"past version", "version: -1\n", "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadVersionError(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 2\n"))
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *VersionError, got %v", err)
	}
	if verr.Version != 2 || verr.Current != CurrentVersion {
		t.Fatalf("VersionError = %+v", verr)
	}
}

func TestValidateReportsAllIssues(t *testing.T) {
	cfg := Default()
	cfg.Rooms.Retention = "forever"
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rooms.retention") || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "base.yaml", `
server:
  http_port: 4000
logging:
  level: warn
`)
	t.Setenv("ROOMSYNC_TEST_RETENTION", "evict_empty")
	path := writeNamed(t, dir, "roomsync.yaml", `
$include: base.yaml
logging:
  level: debug
rooms:
  retention: ${ROOMSYNC_TEST_RETENTION}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 4000 {
		t.Errorf("included port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("including file should win, level = %s", cfg.Logging.Level)
	}
	if cfg.Retention() != rooms.RetainEvictEmpty {
		t.Errorf("env retention = %s", cfg.Rooms.Retention)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "$include: b.yaml\n")
	writeNamed(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeNamed(t, t.TempDir(), "roomsync.json5", `{
  // comments and trailing commas are fine
  server: {http_port: 5000,},
  sync: {burst_delay: "20ms"},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 5000 || cfg.Sync.BurstDelay != 20*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadIncludeList(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "server:\n  http_port: 4001\n  host: 10.0.0.1\n")
	writeNamed(t, dir, "b.yaml", "server:\n  http_port: 4002\n")
	path := writeNamed(t, dir, "main.yaml", "$include: [a.yaml, b.yaml]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address() != "10.0.0.1:4002" {
		t.Fatalf("later include should win per key, address = %s", cfg.Address())
	}

	bad := writeNamed(t, dir, "bad.yaml", "$include: 3\n")
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "$include") {
		t.Fatalf("expected include type error, got %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 3000 {
		t.Fatalf("port = %d", cfg.Server.HTTPPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := LoadRaw("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRestartRequired(t *testing.T) {
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Rooms.Retention = "evict_empty"
	if got := a.RestartRequired(b); len(got) != 0 {
		t.Fatalf("live settings flagged: %v", got)
	}
	b.Server.HTTPPort = 9999
	b.Sync.BurstDelay = time.Second
	got := a.RestartRequired(b)
	if strings.Join(got, ",") != "server,sync" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, want := range []string{`"burst_delay"`, `"evict_empty"`, `"sweep_schedule"`, `"sampling_rate"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestWatcherReloadsValidChanges(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	var mu sync.Mutex
	var got []*Config
	w := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}, WithDebounce(20*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	// Invalid edits are skipped.
	writeNamed(t, filepath.Dir(path), filepath.Base(path), "logging:\n  level: loud\n")
	time.Sleep(150 * time.Millisecond)
	writeNamed(t, filepath.Dir(path), filepath.Base(path), "logging:\n  level: debug\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no reload observed")
	}
	if last := got[len(got)-1]; last.Logging.Level != "debug" {
		t.Fatalf("reloaded level = %s", last.Logging.Level)
	}
	for _, cfg := range got {
		if cfg.Logging.Level == "loud" {
			t.Fatal("invalid config was delivered")
		}
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, "{}\n")
	calls := make(chan struct{}, 1)
	w := NewWatcher(path, func(*Config) { calls <- struct{}{} }, WithDebounce(10*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	writeNamed(t, filepath.Dir(path), "other.yaml", "{}\n")
	select {
	case <-calls:
		t.Fatal("reload triggered by unrelated file")
	case <-time.After(150 * time.Millisecond):
	}
}
