package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/roomsync/internal/session"
	"github.com/haasonsaas/roomsync/pkg/protocol"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 256
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsConn is one websocket connection. The read loop decodes frames and posts
// them to the hub loop; the write loop drains the send queue and keeps the
// connection alive with pings.
type wsConn struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	id      string
	session *session.Session // loop-owned
	seq     int64

	closeOnce   sync.Once
	closeReason atomic.Value
}

func (c *wsConn) run() {
	go c.writeLoop()
	c.readLoop()
	c.cancel()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.Debug("invalid frame", "event", frame.Event, "error", err)
			if isLifecycleEvent(frame.Event) {
				op := frame.Event
				if !c.hub.loop.Post(func() { _ = c.session.Reject(op) }) { //nolint:errcheck
					return
				}
			}
			continue
		}
		c.hub.metrics.EventReceived(frame.Event)
		if !c.hub.loop.Post(func() { c.dispatch(frame) }) {
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.writeClose()
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(messageType, data)
}

// writeClose flushes queued frames and sends a close frame carrying the
// reason given to Close.
func (c *wsConn) writeClose() {
	reason, _ := c.closeReason.Load().(string)
	if reason == "" {
		return
	}
drain:
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			break drain
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
}

// dispatch runs on the hub loop.
func (c *wsConn) dispatch(frame protocol.Frame) {
	s := c.session
	ctx := c.ctx

	switch frame.Event {
	case protocol.EventAuth:
		var req protocol.AuthRequest
		if raw := frame.Arg(0); raw != nil {
			if err := json.Unmarshal(raw, &req); err != nil {
				_ = s.Reject(protocol.OpAuth) //nolint:errcheck
				return
			}
		}
		_ = s.Auth(ctx, req) //nolint:errcheck
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if raw := frame.Arg(0); raw != nil {
			if err := json.Unmarshal(raw, &req); err != nil {
				_ = s.Reject(protocol.OpJoin) //nolint:errcheck
				return
			}
		}
		_ = s.Join(ctx, req.Room, decodeValue(frame.Arg(1))) //nolint:errcheck
	case protocol.EventLeaveRoom:
		_ = s.LeaveRoom(ctx) //nolint:errcheck
	default:
		scope, ch, ok := protocol.ParseUpdateEvent(frame.Event)
		if !ok {
			c.logger.Debug("ignoring unknown event", "event", frame.Event)
			return
		}
		s.HandleUpdate(scope, ch, decodeValue(frame.Arg(0)))
	}
}

// isLifecycleEvent reports whether a caller awaits a reply to event. Those
// get an error reply when their arguments are malformed.
func isLifecycleEvent(event string) bool {
	switch event {
	case protocol.EventAuth, protocol.EventJoin, protocol.EventLeaveRoom:
		return true
	}
	return false
}

// decodeValue decodes an argument as plain JSON values. Shape checks and tree
// normalization happen in the registry.
func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Send implements session.Transport.
func (c *wsConn) Send(event string, args ...any) {
	frame, err := protocol.NewFrame(event, args...)
	if err != nil {
		c.logger.Warn("dropping unencodable event", "event", event, "error", err)
		return
	}
	data, err := c.encode(frame)
	if err != nil {
		c.logger.Warn("dropping unencodable event", "event", event, "error", err)
		return
	}
	c.enqueue(event, data)
}

// Close implements session.Transport.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.cancel()
	})
}

func (c *wsConn) encode(frame protocol.Frame) ([]byte, error) {
	seq := atomic.AddInt64(&c.seq, 1)
	frame.Seq = &seq
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(data) > wsMaxPayloadBytes {
		return nil, fmt.Errorf("payload too large")
	}
	return data, nil
}

func (c *wsConn) enqueue(event string, data []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- data:
		c.hub.metrics.EventSent(event)
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		c.Close("send buffer full")
	}
}
