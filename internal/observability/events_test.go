package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryEventStore_EvictsOldest(t *testing.T) {
	store := NewMemoryEventStore(3)
	for i := 0; i < 5; i++ {
		if err := store.Record(&Event{Type: EventTypeJoin, Data: map[string]any{"i": i}}); err != nil {
			t.Fatal(err)
		}
	}
	if store.Len() != 3 {
		t.Fatalf("Len = %d, want 3", store.Len())
	}
	got := store.Query(EventQuery{})
	if got[0].Data["i"] != 2 || got[2].Data["i"] != 4 {
		t.Fatalf("kept %v..%v, want 2..4", got[0].Data["i"], got[2].Data["i"])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("id and timestamp not filled in")
	}
	if err := store.Record(nil); err == nil {
		t.Error("expected error for nil event")
	}
}

func TestMemoryEventStore_Query(t *testing.T) {
	store := NewMemoryEventStore(0)
	base := time.Unix(1000, 0)
	events := []*Event{
		{Type: EventTypeConnOpen, ConnID: "c1", Timestamp: base},
		{Type: EventTypeJoin, ConnID: "c1", Room: "lobby", Timestamp: base.Add(time.Second)},
		{Type: EventTypeJoin, ConnID: "c2", Room: "lobby", Timestamp: base.Add(2 * time.Second)},
		{Type: EventTypeJoin, ConnID: "c3", Room: "other", Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		_ = store.Record(e)
	}

	tests := []struct {
		name  string
		q     EventQuery
		conns []string
	}{
		{"all", EventQuery{}, []string{"c1", "c1", "c2", "c3"}},
		{"room", EventQuery{Room: "lobby"}, []string{"c1", "c2"}},
		{"conn", EventQuery{ConnID: "c1"}, []string{"c1", "c1"}},
		{"type", EventQuery{Type: EventTypeConnOpen}, []string{"c1"}},
		{"limit keeps newest", EventQuery{Type: EventTypeJoin, Limit: 2}, []string{"c2", "c3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.Query(tt.q)
			if len(got) != len(tt.conns) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.conns))
			}
			for i, e := range got {
				if e.ConnID != tt.conns[i] {
					t.Errorf("event %d conn = %s, want %s", i, e.ConnID, tt.conns[i])
				}
			}
		})
	}
}

func TestMemoryEventStore_Delete(t *testing.T) {
	now := time.Unix(5000, 0)
	store := NewMemoryEventStore(10)
	store.now = func() time.Time { return now }
	_ = store.Record(&Event{Type: EventTypeConnOpen, Timestamp: now.Add(-time.Hour)})
	_ = store.Record(&Event{Type: EventTypeConnClose, Timestamp: now.Add(-time.Minute)})

	if n := store.Delete(10 * time.Minute); n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if got := store.Query(EventQuery{}); len(got) != 1 || got[0].Type != EventTypeConnClose {
		t.Fatalf("remaining = %v", got)
	}
}

func TestEventRecorder_Correlation(t *testing.T) {
	store := NewMemoryEventStore(10)
	rec := NewEventRecorder(store, nil)

	ctx := AddRoom(AddConnID(context.Background(), "c1"), "lobby")
	rec.Record(ctx, EventTypeJoin, map[string]any{"id": "alice"})
	rec.RecordError(AddConnID(context.Background(), "c2"), EventTypeLifecycleError, errors.New("not authenticated"),
		map[string]any{"room": "kitchen", "op": "join"})

	got := store.Query(EventQuery{})
	if got[0].ConnID != "c1" || got[0].Room != "lobby" || got[0].Data["id"] != "alice" {
		t.Errorf("join event = %+v", got[0])
	}
	if got[1].Room != "kitchen" || got[1].Error != "not authenticated" || got[1].Data["op"] != "join" {
		t.Errorf("error event = %+v", got[1])
	}
	if _, ok := got[1].Data["room"]; ok {
		t.Error("room should be lifted out of data")
	}
}

func TestEventRecorder_NilIsNoop(t *testing.T) {
	var rec *EventRecorder
	rec.Record(context.Background(), EventTypeConnOpen, nil)
	if rec.Query(EventQuery{}) != nil || rec.Prune(time.Second) != 0 {
		t.Fatal("nil recorder returned data")
	}
}

func TestFormatTimeline(t *testing.T) {
	base := time.Unix(0, 0)
	out := FormatTimeline([]*Event{
		{Type: EventTypeConnOpen, ConnID: "c1", Timestamp: base},
		{Type: EventTypeLivenessKick, ConnID: "c1", Timestamp: base.Add(10 * time.Second), Data: map[string]any{"reason": "no room joined"}},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[1], "+10s") || !strings.Contains(lines[1], "reason=no room joined") {
		t.Errorf("line = %q", lines[1])
	}
	if FormatTimeline(nil) != "(no events)\n" {
		t.Error("empty timeline")
	}
}
