// Package hub serves the roomsync protocol over websockets.
//
// Every connection gets a session and a pair of read/write goroutines. The
// read side only decodes frames; all state changes run on a single event loop
// shared by the whole hub, which gives every room one sequencing point.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/roomsync/internal/clock"
	"github.com/haasonsaas/roomsync/internal/observability"
	"github.com/haasonsaas/roomsync/internal/rooms"
	"github.com/haasonsaas/roomsync/internal/session"
	"github.com/haasonsaas/roomsync/pkg/protocol"
)

// DefaultEventMaxAge is how long timeline events are kept.
const DefaultEventMaxAge = time.Hour

// Options configures a Hub. Zero values use the package defaults.
type Options struct {
	BurstDelay time.Duration
	NoRoomTime time.Duration
	Retention  rooms.Retention
	// SweepSchedule runs the empty-room sweep and timeline pruning.
	SweepSchedule string

	// Clock drives burst and liveness timers. Callbacks are re-posted to the
	// event loop.
	Clock   clock.Clock
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	// Events receives connection and lifecycle events. Nil disables the
	// timeline.
	Events      *observability.EventRecorder
	EventMaxAge time.Duration
}

// Hub owns the event loop, the room registry and all live connections.
type Hub struct {
	opts     Options
	loop     *Loop
	clock    clock.Clock
	registry *rooms.Registry
	conns    map[string]*wsConn // loop-owned
	upgrader websocket.Upgrader

	metrics *observability.Metrics
	tracer  *observability.Tracer
	events  *observability.EventRecorder
	logger  *slog.Logger
}

// New creates a hub. Call Run before serving connections.
func New(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.EventMaxAge <= 0 {
		opts.EventMaxAge = DefaultEventMaxAge
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = rooms.DefaultSweepSchedule
	}
	if _, err := rooms.SweepParser.Parse(opts.SweepSchedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.SweepSchedule, err)
	}

	logger := opts.Logger.With("component", "hub")
	h := &Hub{
		opts:    opts,
		loop:    NewLoop(logger),
		conns:   make(map[string]*wsConn),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		events:  opts.Events,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	h.clock = loopClock{base: opts.Clock, loop: h.loop}
	h.registry = rooms.NewRegistry(h,
		rooms.WithClock(h.clock),
		rooms.WithBurstDelay(opts.BurstDelay),
		rooms.WithRetention(opts.Retention),
		rooms.WithMetrics(opts.Metrics),
		rooms.WithLogger(opts.Logger),
	)
	return h, nil
}

// Run drives the event loop and the empty-room sweep until ctx is done. Open
// connections are closed on the way out.
func (h *Hub) Run(ctx context.Context) error {
	sweeper := cron.New(cron.WithParser(rooms.SweepParser))
	if _, err := sweeper.AddFunc(h.opts.SweepSchedule, h.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = h.loop.Do(context.Background(), h.closeAll) //nolint:errcheck
		cancel()
	}()

	h.logger.Info("hub running", "retention", h.registry.Retention(), "sweep", h.opts.SweepSchedule)
	h.loop.Run(loopCtx)
	return nil
}

func (h *Hub) sweep() {
	h.loop.Post(func() {
		retention := string(h.registry.Retention())
		ctx, span := h.tracer.TraceSweep(context.Background(), retention)
		defer span.End()
		n := h.registry.Sweep()
		h.tracer.SetAttributes(span, "rooms.evicted", n)
		if n > 0 {
			h.events.Record(ctx, observability.EventTypeRoomEvicted, map[string]any{
				"count":     n,
				"retention": retention,
			})
		}
	})
	if n := h.events.Prune(h.opts.EventMaxAge); n > 0 {
		h.logger.Debug("pruned timeline events", "count", n)
	}
}

func (h *Hub) closeAll() {
	for _, c := range h.conns {
		c.session.Close(context.Background(), session.ReasonShutdown)
		c.Close(session.ReasonShutdown)
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until the peer
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observability.AddConnID(context.Background(), id))
	ctx, span := h.tracer.TraceConnection(ctx, id, r.RemoteAddr)
	defer span.End()

	c := &wsConn{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		id:     id,
		logger: h.logger.With("conn_id", id),
	}
	c.session = session.New(id, c, h.registry,
		session.WithClock(h.clock),
		session.WithNoRoomTime(h.opts.NoRoomTime),
		session.WithTracer(h.tracer),
		session.WithMetrics(h.metrics),
		session.WithEvents(h.events),
		session.WithLogger(h.logger),
	)

	if !h.loop.Post(func() {
		h.conns[id] = c
		h.metrics.ConnectionOpened()
		h.events.Record(ctx, observability.EventTypeConnOpen, map[string]any{"remote": r.RemoteAddr})
		c.session.Open()
	}) {
		c.Close(session.ReasonShutdown)
		_ = conn.Close()
		return
	}

	c.run()

	h.loop.Post(func() {
		if _, ok := h.conns[id]; !ok {
			return
		}
		delete(h.conns, id)
		h.metrics.ConnectionClosed()
		c.session.Close(context.Background(), session.ReasonClientGone)
		reason, _ := c.closeReason.Load().(string)
		if reason == "" {
			reason = session.ReasonClientGone
		}
		h.events.Record(ctx, observability.EventTypeConnClose, map[string]any{"reason": reason})
	})
}

// Broadcast implements rooms.Broadcaster. It runs on the event loop.
func (h *Hub) Broadcast(connIDs []string, event string, args ...any) {
	frame, err := protocol.NewFrame(event, args...)
	if err != nil {
		h.logger.Warn("dropping unencodable broadcast", "event", event, "error", err)
		return
	}
	for _, id := range connIDs {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		data, err := c.encode(frame)
		if err != nil {
			h.logger.Warn("dropping oversized broadcast", "event", event, "error", err)
			return
		}
		c.enqueue(event, data)
	}
}

// Stats summarizes the hub.
type Stats struct {
	Connections int          `json:"connections"`
	Rooms       []rooms.Info `json:"rooms"`
}

// Stats returns a snapshot taken on the event loop.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.loop.Do(ctx, func() {
		st.Connections = len(h.conns)
		st.Rooms = h.registry.Rooms()
	})
	return st, err
}

// Timeline returns recorded events matching q.
func (h *Hub) Timeline(q observability.EventQuery) []*observability.Event {
	return h.events.Query(q)
}

// SetRetention changes the room retention policy.
func (h *Hub) SetRetention(p rooms.Retention) {
	h.loop.Post(func() {
		h.registry.SetRetention(p)
		h.logger.Info("room retention changed", "retention", p)
	})
}
