// Package observability provides the hub's structured logging, Prometheus
// metrics, OpenTelemetry tracing and an in-memory event timeline.
//
// # Logging
//
// NewLogger wraps log/slog with secret redaction, conn_id/room correlation
// from the context and a runtime-adjustable level:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	slog.SetDefault(logger.Slog())
//	_ = logger.SetLevel("debug") // applied on config reload
//
// # Metrics
//
// NewMetrics registers the roomsync_* collectors on the given registerer.
// Every method is safe on a nil *Metrics.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to the global provider otherwise. Connections and lifecycle
// requests get one span each.
//
// # Timeline
//
// EventRecorder keeps a bounded history of connection and lifecycle events,
// queryable by room or connection, served on /debug/events.
package observability
