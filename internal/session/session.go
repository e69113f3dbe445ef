// Package session implements the per-connection lifecycle of the hub:
// connect, authenticate, join a room, leave it and disconnect.
//
// A Session is driven from the hub event loop and is not safe for concurrent
// use. Precondition failures are reported to the peer as error events carrying
// a *protocol.OpError and returned to the caller.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/roomsync/internal/clock"
	"github.com/haasonsaas/roomsync/internal/observability"
	"github.com/haasonsaas/roomsync/internal/rooms"
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// DefaultNoRoomTime is how long a connection may stay outside a room after
// connecting before it is closed.
const DefaultNoRoomTime = 10 * time.Second

// Disconnect reasons.
const (
	ReasonNoRoom     = "no room joined"
	ReasonLeaveRoom  = "client left room"
	ReasonClientGone = "transport close"
	ReasonShutdown   = "server shutting down"
)

// Phase is the lifecycle phase of a connection.
type Phase int

const (
	Disconnected Phase = iota
	Connected
	Authenticated
	InRoom
)

func (p Phase) String() string {
	switch p {
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case InRoom:
		return "in_room"
	default:
		return "disconnected"
	}
}

// Transport is the hub side of one connection.
type Transport interface {
	// Send delivers an event to this connection only.
	Send(event string, args ...any)
	// Close terminates the connection with a reason.
	Close(reason string)
}

// Session is the state machine of one connection.
type Session struct {
	connID    string
	id        string
	phase     Phase
	member    *rooms.Member
	transport Transport
	registry  *rooms.Registry

	clock      clock.Clock
	noRoomTime time.Duration
	liveness   clock.Timer

	tracer  *observability.Tracer
	metrics *observability.Metrics
	events  *observability.EventRecorder
	logger  *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock driving the liveness timer.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithNoRoomTime sets the liveness timeout.
func WithNoRoomTime(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.noRoomTime = d
		}
	}
}

// WithTracer wraps lifecycle requests in spans.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Session) {
		s.tracer = t
	}
}

// WithMetrics records lifecycle errors and liveness kicks.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithEvents records lifecycle transitions on the hub timeline.
func WithEvents(r *observability.EventRecorder) Option {
	return func(s *Session) {
		s.events = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a session for a connection. The connection id doubles as the
// member id until Auth accepts a suggested one.
func New(connID string, t Transport, reg *rooms.Registry, opts ...Option) *Session {
	s := &Session{
		connID:     connID,
		id:         connID,
		transport:  t,
		registry:   reg,
		clock:      clock.Real{},
		noRoomTime: DefaultNoRoomTime,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("conn_id", connID)
	return s
}

// ConnID returns the hub-assigned connection id.
func (s *Session) ConnID() string { return s.connID }

// ID returns the member id.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// Room returns the joined room and whether the session is in one.
func (s *Session) Room() (string, bool) {
	if s.member == nil {
		return "", false
	}
	return s.member.Room, true
}

// Open marks the handshake complete and arms the liveness timer.
func (s *Session) Open() {
	if s.phase != Disconnected || s.liveness != nil {
		return
	}
	s.phase = Connected
	s.liveness = s.clock.AfterFunc(s.noRoomTime, s.onLiveness)
	s.logger.Debug("connection opened")
}

func (s *Session) onLiveness() {
	s.liveness = nil
	if s.phase == InRoom || s.phase == Disconnected {
		return
	}
	s.logger.Info("closing connection without room", "after", s.noRoomTime)
	s.metrics.LivenessKick()
	s.record(observability.EventTypeLivenessKick, map[string]any{"after": s.noRoomTime.String()})
	s.Close(context.Background(), ReasonNoRoom)
	s.transport.Close(ReasonNoRoom)
}

// Auth accepts the suggested id, or keeps the connection id when it is empty,
// and replies with the id and any state remembered for it.
func (s *Session) Auth(ctx context.Context, req protocol.AuthRequest) (err error) {
	_, span := s.tracer.TraceLifecycle(ctx, protocol.OpAuth, s.connID)
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	if s.phase != Connected {
		return s.fail(protocol.OpAuth, "connection is %s, auth requires connected", s.phase)
	}
	if req.ID != "" {
		s.id = req.ID
	}
	s.phase = Authenticated

	state := statetree.Tree{}
	if prior, ok := s.registry.Recall(s.id); ok {
		state = prior
	}
	s.transport.Send(protocol.EventAuthed, protocol.AuthReply{ID: s.id, State: state})
	s.tracer.SetAttributes(span, "member.id", s.id)
	s.record(observability.EventTypeAuth, map[string]any{"id": s.id})
	s.logger.Debug("authenticated", "id", s.id)
	return nil
}

// Join enters a room with an optional initial user state. Everyone in the
// room, joiner included, is told about the new member; the joiner receives the
// room snapshot.
func (s *Session) Join(ctx context.Context, room string, payload any) (err error) {
	_, span := s.tracer.TraceLifecycle(ctx, protocol.OpJoin, s.connID)
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	switch s.phase {
	case InRoom:
		return s.fail(protocol.OpJoin, "already in room %q", s.member.Room)
	case Authenticated:
	default:
		return s.fail(protocol.OpJoin, "connection is %s, join requires authenticated", s.phase)
	}

	if s.liveness != nil {
		s.liveness.Stop()
		s.liveness = nil
	}

	member, snap := s.registry.Join(s.connID, s.id, room, payload)
	s.member = member
	s.phase = InRoom

	s.registry.Broadcast(room, nil, protocol.EventConnected, s.id, member.User())
	s.transport.Send(protocol.EventJoined, snap.Room, snap.State, snap.Users)
	s.tracer.SetAttributes(span, "room", room, "members", len(snap.Users))
	s.record(observability.EventTypeJoin, map[string]any{"id": s.id, "members": len(snap.Users)})
	s.logger.Info("joined room", "id", s.id, "room", room)
	return nil
}

// LeaveRoom leaves the current room and returns to the authenticated phase.
// The liveness timer is not re-armed.
func (s *Session) LeaveRoom(ctx context.Context) (err error) {
	_, span := s.tracer.TraceLifecycle(ctx, protocol.OpLeaveRoom, s.connID)
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()

	if s.phase != InRoom {
		return s.fail(protocol.OpLeaveRoom, "not in a room")
	}
	room := s.member.Room
	s.leave(ReasonLeaveRoom)
	s.phase = Authenticated
	s.transport.Send(protocol.EventLeftRoom, ReasonLeaveRoom)
	s.logger.Info("left room", "id", s.id, "room", room)
	return nil
}

// Close ends the session. A member is removed from its room and the room is
// told, but no leftroom reply is sent. Close is idempotent.
func (s *Session) Close(_ context.Context, reason string) {
	if s.phase == Disconnected && s.liveness == nil {
		return
	}
	if s.liveness != nil {
		s.liveness.Stop()
		s.liveness = nil
	}
	if s.phase == InRoom {
		s.leave(reason)
	}
	s.phase = Disconnected
	s.logger.Debug("connection closed", "reason", reason)
}

func (s *Session) leave(reason string) {
	m := s.member
	s.member = nil
	s.registry.Broadcast(m.Room, m, protocol.EventDisconnected, s.id, reason)
	if err := s.registry.Leave(m); err != nil {
		s.logger.Warn("leave failed", "room", m.Room, "error", err)
	}
	s.record(observability.EventTypeLeave, map[string]any{"room": m.Room, "id": s.id, "reason": reason})
}

// HandleUpdate applies an update event. Updates outside a room are dropped and
// reported as false.
func (s *Session) HandleUpdate(scope protocol.Scope, ch protocol.Channel, delta any) bool {
	if s.phase != InRoom {
		return false
	}
	var err error
	if scope == protocol.ScopeUser {
		err = s.registry.ApplyUserDelta(s.member, delta, ch)
	} else {
		err = s.registry.ApplyStateDelta(s.member, delta, ch)
	}
	if err != nil {
		s.logger.Warn("update rejected", "scope", scope, "channel", ch, "error", err)
		return false
	}
	return true
}

// Reject answers a lifecycle request that could not be decoded with an error
// event tagged op.
func (s *Session) Reject(op string) error {
	return s.fail(op, "invalid %s request", op)
}

func (s *Session) fail(op, format string, args ...any) error {
	opErr := protocol.NewOpError(op, format, args...)
	s.metrics.LifecycleError(op)
	s.transport.Send(protocol.EventError, opErr)
	s.logger.Debug("lifecycle request rejected", "op", op, "error", opErr.Message)
	s.events.RecordError(s.eventContext(), observability.EventTypeLifecycleError, opErr, map[string]any{"op": op})
	return fmt.Errorf("session %s: %w", s.connID, opErr)
}

func (s *Session) record(eventType observability.EventType, data map[string]any) {
	s.events.Record(s.eventContext(), eventType, data)
}

func (s *Session) eventContext() context.Context {
	ctx := observability.AddConnID(context.Background(), s.connID)
	if s.member != nil {
		ctx = observability.AddRoom(ctx, s.member.Room)
	}
	return ctx
}
