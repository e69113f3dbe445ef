package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects hub metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Connections and rooms currently held by the hub
//   - Protocol events by name and direction
//   - Broadcast fan-out per update channel
//   - Burst coalescing and dropped (non-tree) deltas
//   - Batch sizes and lifecycle errors
//
// All methods are safe on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.EventReceived("join")
//	metrics.Broadcast("state_updated_reliable", 3)
type Metrics struct {
	// ActiveConnections is the number of open websocket connections.
	ActiveConnections prometheus.Gauge

	// ActiveRooms is the number of rooms held by the registry.
	ActiveRooms prometheus.Gauge

	// EventCounter counts protocol events.
	// Labels: event, direction (inbound|outbound)
	EventCounter *prometheus.CounterVec

	// BroadcastCounter counts room broadcasts.
	// Labels: event
	BroadcastCounter *prometheus.CounterVec

	// BroadcastRecipients measures fan-out per broadcast.
	// Labels: event
	BroadcastRecipients *prometheus.HistogramVec

	// CoalescedCounter counts deltas merged into a pending burst payload.
	// Labels: scope (user|state)
	CoalescedCounter *prometheus.CounterVec

	// DroppedCounter counts deltas that were not trees.
	// Labels: scope, channel
	DroppedCounter *prometheus.CounterVec

	// BatchSize measures deltas per batched message.
	// Labels: scope
	BatchSize *prometheus.HistogramVec

	// LifecycleErrors counts rejected auth, join and leaveroom requests.
	// Labels: type
	LifecycleErrors *prometheus.CounterVec

	// LivenessKicks counts connections closed for not joining a room in time.
	LivenessKicks prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the Prometheus default registerer, which must only happen once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_active_connections",
			Help: "Current number of open connections",
		}),

		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_active_rooms",
			Help: "Current number of rooms",
		}),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_events_total",
				Help: "Total number of protocol events by name and direction",
			},
			[]string{"event", "direction"},
		),

		BroadcastCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_broadcasts_total",
				Help: "Total number of room broadcasts by event",
			},
			[]string{"event"},
		),

		BroadcastRecipients: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomsync_broadcast_recipients",
				Help:    "Number of recipients per broadcast",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"event"},
		),

		CoalescedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_burst_coalesced_total",
				Help: "Total number of deltas merged into a pending burst payload",
			},
			[]string{"scope"},
		),

		DroppedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_dropped_deltas_total",
				Help: "Total number of deltas dropped because they were not objects",
			},
			[]string{"scope", "channel"},
		),

		BatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomsync_batch_size",
				Help:    "Number of deltas per batched message",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"scope"},
		),

		LifecycleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_lifecycle_errors_total",
				Help: "Total number of rejected lifecycle requests by type",
			},
			[]string{"type"},
		),

		LivenessKicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_liveness_kicks_total",
			Help: "Total number of connections closed for not joining a room in time",
		}),
	}
}

// ConnectionOpened increments the active connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// SetRooms records the current room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

// EventReceived counts an inbound event.
func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(event, "inbound").Inc()
}

// EventSent counts an outbound event.
func (m *Metrics) EventSent(event string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(event, "outbound").Inc()
}

// Broadcast records one room broadcast and its fan-out.
//
// Example:
//
//	metrics.Broadcast("user_updated_unreliable", len(recipients))
func (m *Metrics) Broadcast(event string, recipients int) {
	if m == nil {
		return
	}
	m.BroadcastCounter.WithLabelValues(event).Inc()
	m.BroadcastRecipients.WithLabelValues(event).Observe(float64(recipients))
}

// DeltaCoalesced counts a delta folded into a pending burst payload.
func (m *Metrics) DeltaCoalesced(scope string) {
	if m == nil {
		return
	}
	m.CoalescedCounter.WithLabelValues(scope).Inc()
}

// DeltaDropped counts a delta that was not a tree.
func (m *Metrics) DeltaDropped(scope, channel string) {
	if m == nil {
		return
	}
	m.DroppedCounter.WithLabelValues(scope, channel).Inc()
}

// RecordBatch observes the size of a batched message.
func (m *Metrics) RecordBatch(scope string, size int) {
	if m == nil {
		return
	}
	m.BatchSize.WithLabelValues(scope).Observe(float64(size))
}

// LifecycleError counts a rejected lifecycle request.
func (m *Metrics) LifecycleError(errType string) {
	if m == nil {
		return
	}
	m.LifecycleErrors.WithLabelValues(errType).Inc()
}

// LivenessKick counts a connection closed by the liveness timer.
func (m *Metrics) LivenessKick() {
	if m == nil {
		return
	}
	m.LivenessKicks.Inc()
}
