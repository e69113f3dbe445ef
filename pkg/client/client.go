// Package client is the participant side of roomsync. It connects to a hub,
// walks the auth and join lifecycle, sends updates on the three delivery
// channels and optionally mirrors the room and user state.
//
// Lifecycle calls block until the hub answers with the matching success event
// or an error event tagged with the same operation:
//
//	c := client.New("ws://localhost:3000/ws", client.DefaultOptions())
//	if _, err := c.ConnectAuthAndJoin(ctx, "alice", "lobby", nil); err != nil {
//		return err
//	}
//	_ = c.UpdateStateReliable(map[string]any{"score": 1})
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/roomsync/internal/batch"
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// Local precondition failures. They are returned without contacting the hub.
var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNotAuthed        = errors.New("client: not authenticated")
	ErrAlreadyAuthed    = errors.New("client: already authenticated")
	ErrNotInRoom        = errors.New("client: not in a room")
	ErrAlreadyInRoom    = errors.New("client: already in a room")

	errStale = errors.New("client: stale batch")
)

// ReasonClientDisconnect is the disconnect reason after Disconnect.
const ReasonClientDisconnect = "client disconnect"

// Options configures a Client.
type Options struct {
	// HandleState keeps a local mirror of the room state and every member's
	// user state.
	HandleState bool

	// BatchInterval is the flush interval of batched sends and the smoothing
	// window of batched receives. A received batch is applied delta by delta
	// over one interval on the read goroutine, so every frame behind it, of
	// any kind, is delayed by up to one interval. Order is preserved.
	BatchInterval time.Duration

	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

// DefaultOptions mirrors state and batches every 50ms.
func DefaultOptions() Options {
	return Options{HandleState: true, BatchInterval: batch.DefaultInterval}
}

// AuthResult is the hub's answer to Auth.
type AuthResult struct {
	ID    string
	State statetree.Tree
}

// JoinResult is the room snapshot received on join.
type JoinResult struct {
	Room  string
	State statetree.Tree
	Users map[string]statetree.Tree
}

// Client is one participant connection. Methods are safe for concurrent use.
type Client struct {
	url    string
	opts   Options
	bus    *bus
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	cancel    context.CancelFunc
	connected bool
	authed    bool
	inRoom    bool
	id        string
	room      string
	state     statetree.Tree
	users     map[string]statetree.Tree
	closing   bool

	stateBatch *batch.Producer
	userBatch  *batch.Producer
	consumer   *batch.Consumer
}

// New creates a disconnected client for a hub websocket URL.
func New(url string, opts Options) *Client {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = batch.DefaultInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		url:      url,
		opts:     opts,
		bus:      newBus(),
		logger:   opts.Logger.With("component", "client"),
		consumer: batch.NewConsumer(opts.BatchInterval),
	}
	c.resetMirror()
	return c
}

// On registers a handler for an event name and returns a function that
// removes it.
func (c *Client) On(event string, fn Handler) func() {
	return c.bus.add(event, &listener{fn: fn})
}

// Once registers a handler that runs for the next matching event only.
func (c *Client) Once(event string, fn Handler) func() {
	return c.bus.add(event, &listener{fn: fn, once: true})
}

// Subscribe delivers events into a buffered channel. Events are dropped when
// the buffer is full. The returned function unsubscribes.
func (c *Client) Subscribe(event string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	cancel := c.bus.add(event, &listener{fn: func(ev Event) {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("subscriber buffer full, dropping event", "event", ev.Name)
		}
	}})
	return ch, cancel
}

// Connect dials the hub.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var stateBatch, userBatch *batch.Producer
	stateBatch = batch.NewProducer(
		batch.WithInterval(c.opts.BatchInterval),
		batch.WithOnFlush(func(deltas []statetree.Tree, gen uint64) {
			c.sendBatch(protocol.EventStateBatched, stateBatch, gen, deltas)
		}),
	)
	userBatch = batch.NewProducer(
		batch.WithInterval(c.opts.BatchInterval),
		batch.WithOnFlush(func(deltas []statetree.Tree, gen uint64) {
			c.sendBatch(protocol.EventUserBatched, userBatch, gen, deltas)
		}),
	)

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.cancel = cancel
	c.connected = true
	c.closing = false
	c.stateBatch = stateBatch
	c.userBatch = userBatch
	done := c.done
	c.mu.Unlock()

	go stateBatch.Run(runCtx)
	go userBatch.Run(runCtx)
	go c.readLoop(runCtx, conn, done)

	c.bus.emit(Event{Name: EventConnect})
	return nil
}

// Auth authenticates with a suggested id. An empty id lets the hub keep the
// connection id. The result carries any state the hub remembers for the id.
func (c *Client) Auth(ctx context.Context, id string) (AuthResult, error) {
	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return AuthResult{}, ErrNotConnected
	case c.authed:
		c.mu.Unlock()
		return AuthResult{}, ErrAlreadyAuthed
	}
	c.mu.Unlock()

	ev, err := c.await(ctx, protocol.EventAuthed, protocol.OpAuth, func() error {
		return c.send(protocol.EventAuth, protocol.AuthRequest{ID: id})
	})
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{ID: ev.ID, State: ev.State}, nil
}

// Join enters a room. A nil payload starts with an empty user state.
func (c *Client) Join(ctx context.Context, room string, payload map[string]any) (JoinResult, error) {
	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return JoinResult{}, ErrNotConnected
	case !c.authed:
		c.mu.Unlock()
		return JoinResult{}, ErrNotAuthed
	case c.inRoom:
		c.mu.Unlock()
		return JoinResult{}, ErrAlreadyInRoom
	}
	c.mu.Unlock()

	ev, err := c.await(ctx, protocol.EventJoined, protocol.OpJoin, func() error {
		if payload == nil {
			return c.send(protocol.EventJoin, protocol.JoinRequest{Room: room})
		}
		return c.send(protocol.EventJoin, protocol.JoinRequest{Room: room}, payload)
	})
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Room: ev.Room, State: ev.State, Users: ev.Users}, nil
}

// LeaveRoom leaves the current room and returns the hub's reason.
func (c *Client) LeaveRoom(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return "", ErrNotConnected
	case !c.inRoom:
		c.mu.Unlock()
		return "", ErrNotInRoom
	}
	c.mu.Unlock()

	ev, err := c.await(ctx, protocol.EventLeftRoom, protocol.OpLeaveRoom, func() error {
		return c.send(protocol.EventLeaveRoom)
	})
	if err != nil {
		return "", err
	}
	return ev.Reason, nil
}

// Disconnect closes the connection and waits for the read side to finish.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.closing = true
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonClientDisconnect)
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	}
}

// ConnectAuthAndJoin runs Connect, Auth and Join in sequence.
func (c *Client) ConnectAuthAndJoin(ctx context.Context, id, room string, payload map[string]any) (JoinResult, error) {
	if err := c.Connect(ctx); err != nil {
		return JoinResult{}, err
	}
	if _, err := c.Auth(ctx, id); err != nil {
		return JoinResult{}, err
	}
	return c.Join(ctx, room, payload)
}

// await sends a request and waits for either its success event or an error
// event tagged with op. The other subscription is dropped.
func (c *Client) await(ctx context.Context, success, op string, send func() error) (Event, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	okCh, cancelOK := c.bus.once(success, nil)
	defer cancelOK()
	errCh, cancelErr := c.bus.once(protocol.EventError, func(ev Event) bool {
		return ev.Err != nil && ev.Err.Type == op
	})
	defer cancelErr()

	if err := send(); err != nil {
		return Event{}, err
	}
	select {
	case ev := <-okCh:
		return ev, nil
	case ev := <-errCh:
		return Event{}, ev.Err
	case <-done:
		return Event{}, ErrNotConnected
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// ID returns the authenticated id, or "" before auth.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Room returns the current room and whether the client is in one.
func (c *Client) Room() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.inRoom
}

// Connected reports whether the websocket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns a copy of the mirrored room state.
func (c *Client) State() statetree.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return statetree.Clone(c.state)
}

// Users returns a copy of the mirrored user states keyed by member id.
func (c *Client) Users() map[string]statetree.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]statetree.Tree, len(c.users))
	for id, u := range c.users {
		out[id] = statetree.Clone(u)
	}
	return out
}

func (c *Client) resetMirror() {
	c.state = statetree.Tree{}
	c.users = make(map[string]statetree.Tree)
}

func (c *Client) send(event string, args ...any) error {
	return c.sendGuarded(event, nil, args...)
}

// sendGuarded writes the frame only if valid, evaluated under the write
// lock, still holds. It reports errStale otherwise.
func (c *Client) sendGuarded(event string, valid func() bool, args ...any) error {
	frame, err := protocol.NewFrame(event, args...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if valid != nil && !valid() {
		return errStale
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// sendBatch drops batches queued before the producer's last reset: they
// belong to a room the client has since left.
func (c *Client) sendBatch(event string, producer *batch.Producer, gen uint64, deltas []statetree.Tree) {
	err := c.sendGuarded(event, func() bool { return producer.Generation() == gen }, deltas)
	switch {
	case err == nil:
	case errors.Is(err, errStale):
		c.logger.Debug("dropped batch from previous room", "event", event, "count", len(deltas))
	default:
		c.logger.Warn("batched send failed", "event", event, "count", len(deltas), "error", err)
	}
}

// resetBatches discards queued batched deltas. Callers hold c.mu.
func (c *Client) resetBatches() {
	for _, p := range []*batch.Producer{c.stateBatch, c.userBatch} {
		if p == nil {
			continue
		}
		if n := p.Reset(); n > 0 {
			c.logger.Debug("discarded queued batched deltas", "count", n)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	reason := "transport close"
	defer func() {
		c.teardown(conn, reason)
		close(done)
	}()

	for {
		var frame protocol.Frame
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				reason = closeErr.Text
			}
			c.mu.Lock()
			if c.closing {
				reason = ReasonClientDisconnect
			}
			c.mu.Unlock()
			return
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) teardown(conn *websocket.Conn, reason string) {
	_ = conn.Close()

	c.mu.Lock()
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.connected = false
	c.authed = false
	c.inRoom = false
	c.id = ""
	c.room = ""
	c.resetMirror()
	handle := c.opts.HandleState
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle {
		c.bus.emit(Event{Name: EventUsersObjectUpdated})
		c.bus.emit(Event{Name: EventStateObjectUpdated})
	}
	c.bus.emit(Event{Name: EventDisconnect, Reason: reason})
}
