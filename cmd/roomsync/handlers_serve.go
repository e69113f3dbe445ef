package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/roomsync/internal/config"
	"github.com/haasonsaas/roomsync/internal/hub"
	"github.com/haasonsaas/roomsync/internal/observability"
	"github.com/haasonsaas/roomsync/internal/rooms"
)

const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: load config, wire observability,
// run the hub and its HTTP server until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger.Slog())

	slog.Info("starting roomsync",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	var tracer *observability.Tracer
	if cfg.Observability.Tracing.Enabled {
		t, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		tracer = t
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	var events *observability.EventRecorder
	if cfg.TimelineEnabled() {
		store := observability.NewMemoryEventStore(cfg.Observability.Timeline.MaxEvents)
		events = observability.NewEventRecorder(store, logger.Slog())
	}

	h, err := hub.New(hub.Options{
		BurstDelay:    cfg.Sync.BurstDelay,
		NoRoomTime:    cfg.Sync.NoRoomTime,
		Retention:     cfg.Retention(),
		SweepSchedule: cfg.Rooms.SweepSchedule,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger.Slog(),
		Events:        events,
		EventMaxAge:   cfg.Observability.Timeline.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hubDone := make(chan error, 1)
	go func() {
		hubDone <- h.Run(ctx)
	}()

	server := hub.NewServer(h, cfg.Address(), registry, logger.Slog())
	if err := server.Start(); err != nil {
		cancel()
		<-hubDone
		return err
	}

	watcher := config.NewWatcher(configPath, newReloader(cfg, logger, h, debug).apply,
		config.WithWatchLogger(logger.Slog()))
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	slog.Info("roomsync started", "http_addr", server.Addr())

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// The hub closes every websocket on its way out, which lets the HTTP
	// server drain the upgraded handlers.
	select {
	case err := <-hubDone:
		if err != nil {
			slog.Warn("hub stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown failed: %w", shutdownCtx.Err())
	}
	server.Shutdown(shutdownCtx)

	slog.Info("roomsync stopped gracefully")
	return nil
}

// liveTarget is the part of the hub a config reload can change.
type liveTarget interface {
	SetRetention(rooms.Retention)
}

// reloader applies hot-reloadable settings and warns about the rest.
type reloader struct {
	mu      sync.Mutex
	current *config.Config
	logger  *observability.Logger
	hub     liveTarget
	debug   bool
}

func newReloader(cfg *config.Config, logger *observability.Logger, h liveTarget, debug bool) *reloader {
	return &reloader{current: cfg, logger: logger, hub: h, debug: debug}
}

func (r *reloader) apply(next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.debug {
		if err := r.logger.SetLevel(next.Logging.Level); err != nil {
			slog.Warn("ignoring logging level from reloaded config", "error", err)
		}
	}
	r.hub.SetRetention(next.Retention())

	if changed := r.current.RestartRequired(next); len(changed) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", strings.Join(changed, ", "))
	}
	r.current = next
	slog.Info("config applied", "level", r.logger.Level().String(), "retention", next.Retention())
}
