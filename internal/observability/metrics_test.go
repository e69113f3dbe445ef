package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ConnectionOpened()
	m.EventReceived("join")
	m.Broadcast("joined", 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"roomsync_active_connections",
		"roomsync_events_total",
		"roomsync_broadcasts_total",
		"roomsync_broadcast_recipients",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}

	// A second registry gets its own collectors.
	NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(4)

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRooms); got != 4 {
		t.Errorf("active rooms = %v, want 4", got)
	}
}

func TestMetrics_Events(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.EventReceived("auth")
	m.EventReceived("auth")
	m.EventSent("authed")

	expected := `
		# HELP roomsync_events_total Total number of protocol events by name and direction
		# TYPE roomsync_events_total counter
		roomsync_events_total{direction="inbound",event="auth"} 2
		roomsync_events_total{direction="outbound",event="authed"} 1
	`
	if err := testutil.CollectAndCompare(m.EventCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetrics_DeltaCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.DeltaCoalesced("user")
	m.DeltaCoalesced("user")
	m.DeltaDropped("state", "batched")
	m.LifecycleError("join")
	m.LivenessKick()

	if got := testutil.ToFloat64(m.CoalescedCounter.WithLabelValues("user")); got != 2 {
		t.Errorf("coalesced = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DroppedCounter.WithLabelValues("state", "batched")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LifecycleErrors.WithLabelValues("join")); got != 1 {
		t.Errorf("lifecycle errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LivenessKicks); got != 1 {
		t.Errorf("liveness kicks = %v, want 1", got)
	}
}

func TestMetrics_Histograms(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.Broadcast("state_updated_batched", 3)
	m.Broadcast("state_updated_batched", 7)
	m.RecordBatch("state", 5)

	if count := testutil.CollectAndCount(m.BroadcastRecipients); count != 1 {
		t.Errorf("recipient series = %d, want 1", count)
	}
	if got := testutil.ToFloat64(m.BroadcastCounter.WithLabelValues("state_updated_batched")); got != 2 {
		t.Errorf("broadcasts = %v, want 2", got)
	}
	if count := testutil.CollectAndCount(m.BatchSize); count != 1 {
		t.Errorf("batch size series = %d, want 1", count)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(1)
	m.EventReceived("x")
	m.EventSent("x")
	m.Broadcast("x", 1)
	m.DeltaCoalesced("user")
	m.DeltaDropped("user", "reliable")
	m.RecordBatch("user", 1)
	m.LifecycleError("auth")
	m.LivenessKick()
}
