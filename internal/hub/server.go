package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/roomsync/internal/observability"
)

// Server exposes a hub over HTTP: /ws for clients, /healthz, /metrics and the
// /debug/events timeline.
type Server struct {
	hub      *Hub
	addr     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for hub on addr. A nil gatherer serves the
// Prometheus default registry.
func NewServer(hub *Hub, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, addr: addr, gatherer: gatherer, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/events", s.handleEvents)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for handlers to finish.
// Websocket handlers end when the hub closes their connections.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "error": err.Error()}) //nolint:errcheck
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":      "ok",
		"connections": stats.Connections,
		"rooms":       len(stats.Rooms),
	})
}

// handleEvents serves the timeline filtered by the room, conn, type and limit
// query parameters. format=text renders it for terminals.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := observability.EventQuery{
		Room:   query.Get("room"),
		ConnID: query.Get("conn"),
		Type:   observability.EventType(query.Get("type")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = limit
	}

	events := s.hub.Timeline(q)
	if query.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, observability.FormatTimeline(events)) //nolint:errcheck
		return
	}
	if events == nil {
		events = []*observability.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events}) //nolint:errcheck
}
