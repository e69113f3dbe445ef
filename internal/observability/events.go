package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeConnOpen       EventType = "conn.open"
	EventTypeConnClose      EventType = "conn.close"
	EventTypeAuth           EventType = "lifecycle.auth"
	EventTypeJoin           EventType = "lifecycle.join"
	EventTypeLeave          EventType = "lifecycle.leave"
	EventTypeLifecycleError EventType = "lifecycle.error"
	EventTypeLivenessKick   EventType = "liveness.kick"
	EventTypeRoomEvicted    EventType = "room.evicted"
)

// Event is a single entry in the hub timeline.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ConnID    string         `json:"conn_id,omitempty"`
	Room      string         `json:"room,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// EventQuery filters timeline reads. Zero fields match everything.
type EventQuery struct {
	Room   string
	ConnID string
	Type   EventType
	Limit  int
}

func (q EventQuery) matches(e *Event) bool {
	return (q.Room == "" || e.Room == q.Room) &&
		(q.ConnID == "" || e.ConnID == q.ConnID) &&
		(q.Type == "" || e.Type == q.Type)
}

// EventStore stores and retrieves timeline events.
type EventStore interface {
	// Record stores an event.
	Record(event *Event) error

	// Query returns matching events oldest first. A positive Limit keeps
	// the most recent ones.
	Query(q EventQuery) []*Event

	// Delete removes events older than the given duration.
	Delete(olderThan time.Duration) int
}

// MemoryEventStore is a bounded in-memory EventStore. When full, the oldest
// event is evicted.
type MemoryEventStore struct {
	mu      sync.RWMutex
	events  []*Event
	maxSize int
	now     func() time.Time
}

// NewMemoryEventStore creates a store holding at most maxSize events.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{maxSize: maxSize, now: time.Now}
}

func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if len(s.events) >= s.maxSize {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryEventStore) Query(q EventQuery) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (s *MemoryEventStore) Delete(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	deleted := len(s.events) - len(kept)
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept
	return deleted
}

// Len returns the number of stored events.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// EventRecorder fills in correlation fields from the context and writes to a
// store. A nil *EventRecorder records nothing.
type EventRecorder struct {
	store  EventStore
	logger *slog.Logger
}

// NewEventRecorder creates a recorder. A nil logger uses slog.Default.
func NewEventRecorder(store EventStore, logger *slog.Logger) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{store: store, logger: logger.With("component", "timeline")}
}

// Record stores an event. Conn id and room come from ctx unless data sets
// them explicitly.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, data map[string]any) {
	r.record(ctx, eventType, nil, data)
}

// RecordError stores an event carrying err.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, err error, data map[string]any) {
	r.record(ctx, eventType, err, data)
}

func (r *EventRecorder) record(ctx context.Context, eventType EventType, err error, data map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	event := &Event{
		Type:    eventType,
		ConnID:  GetConnID(ctx),
		TraceID: GetTraceID(ctx),
	}
	if room, ok := ctx.Value(RoomKey).(string); ok {
		event.Room = room
	}
	if err != nil {
		event.Error = err.Error()
	}
	if len(data) > 0 {
		event.Data = make(map[string]any, len(data))
		for k, v := range data {
			switch k {
			case "room":
				if s, ok := v.(string); ok {
					event.Room = s
					continue
				}
			case "conn_id":
				if s, ok := v.(string); ok {
					event.ConnID = s
					continue
				}
			}
			event.Data[k] = v
		}
		if len(event.Data) == 0 {
			event.Data = nil
		}
	}
	if recErr := r.store.Record(event); recErr != nil {
		r.logger.Warn("failed to record timeline event", "type", eventType, "error", recErr)
	}
}

// Query reads from the underlying store.
func (r *EventRecorder) Query(q EventQuery) []*Event {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Query(q)
}

// Prune deletes events older than maxAge and returns how many were removed.
func (r *EventRecorder) Prune(maxAge time.Duration) int {
	if r == nil || r.store == nil {
		return 0
	}
	return r.store.Delete(maxAge)
}

// FormatTimeline renders events as aligned text lines, offsets relative to
// the first event.
func FormatTimeline(events []*Event) string {
	if len(events) == 0 {
		return "(no events)\n"
	}
	var sb strings.Builder
	start := events[0].Timestamp
	for _, e := range events {
		fmt.Fprintf(&sb, "+%-8s %-16s", e.Timestamp.Sub(start).Round(time.Millisecond), e.Type)
		if e.ConnID != "" {
			fmt.Fprintf(&sb, " conn=%s", e.ConnID)
		}
		if e.Room != "" {
			fmt.Fprintf(&sb, " room=%s", e.Room)
		}
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, e.Data[k])
		}
		if e.Error != "" {
			fmt.Fprintf(&sb, " error=%q", e.Error)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
