package client

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// dispatch runs on the read goroutine, one frame at a time.
func (c *Client) dispatch(ctx context.Context, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventAuthed:
		var reply protocol.AuthReply
		if !decode(frame.Arg(0), &reply) {
			return
		}
		state, _ := statetree.AsTree(reply.State)
		if state == nil {
			state = statetree.Tree{}
		}
		c.mu.Lock()
		c.authed = true
		c.id = reply.ID
		if c.opts.HandleState {
			c.users[reply.ID] = statetree.Clone(state)
		}
		c.mu.Unlock()
		c.emitUsersChanged()
		c.bus.emit(Event{Name: protocol.EventAuthed, ID: reply.ID, State: state})

	case protocol.EventJoined:
		var room string
		decode(frame.Arg(0), &room)
		state := decodeTree(frame.Arg(1))
		users := decodeUsers(frame.Arg(2))
		c.mu.Lock()
		c.inRoom = true
		c.room = room
		c.resetBatches()
		if c.opts.HandleState {
			c.state = statetree.Clone(state)
			c.users = cloneUsers(users)
		}
		c.mu.Unlock()
		c.emitUsersChanged()
		c.emitStateChanged()
		c.bus.emit(Event{Name: protocol.EventJoined, Room: room, State: state, Users: users})

	case protocol.EventLeftRoom:
		var reason string
		decode(frame.Arg(0), &reason)
		c.mu.Lock()
		c.inRoom = false
		c.room = ""
		c.resetBatches()
		if c.opts.HandleState {
			c.resetMirror()
		}
		c.mu.Unlock()
		c.emitUsersChanged()
		c.emitStateChanged()
		c.bus.emit(Event{Name: protocol.EventLeftRoom, Reason: reason})

	case protocol.EventConnected:
		var id string
		decode(frame.Arg(0), &id)
		user := decodeTree(frame.Arg(1))
		c.mu.Lock()
		if c.opts.HandleState {
			c.users[id] = statetree.Clone(user)
		}
		c.mu.Unlock()
		c.emitUsersChanged()
		c.bus.emit(Event{Name: protocol.EventConnected, ID: id, State: user})

	case protocol.EventDisconnected:
		var id, reason string
		decode(frame.Arg(0), &id)
		decode(frame.Arg(1), &reason)
		c.mu.Lock()
		if c.opts.HandleState {
			delete(c.users, id)
		}
		c.mu.Unlock()
		c.emitUsersChanged()
		c.bus.emit(Event{Name: protocol.EventDisconnected, ID: id, Reason: reason})

	case protocol.EventError:
		var opErr protocol.OpError
		if !decode(frame.Arg(0), &opErr) {
			return
		}
		c.bus.emit(Event{Name: protocol.EventError, Err: &opErr})

	default:
		scope, ch, ok := protocol.ParseUpdateEvent(frame.Event)
		if !ok {
			c.logger.Debug("ignoring unknown event", "event", frame.Event)
			return
		}
		var sender string
		decode(frame.Arg(0), &sender)
		if ch == protocol.Batched {
			c.receiveBatch(ctx, scope, sender, frame.Arg(1))
			return
		}
		delta, ok := statetree.Decode(frame.Arg(1))
		if !ok {
			return
		}
		c.applyDelta(scope, sender, delta)
		c.bus.emit(Event{Name: frame.Event, ID: sender, Delta: delta})
		c.bus.emit(Event{Name: genericEvent(scope), ID: sender, Delta: delta})
	}
}

// receiveBatch applies a batch spread over one batch interval, raising the
// generic update event per delta and the batched event once at the end.
func (c *Client) receiveBatch(ctx context.Context, scope protocol.Scope, sender string, raw json.RawMessage) {
	var items []any
	if !decode(raw, &items) {
		return
	}
	deltas := make([]statetree.Tree, 0, len(items))
	for _, item := range items {
		if tree, ok := statetree.AsTree(item); ok {
			deltas = append(deltas, tree)
		}
	}
	if len(deltas) == 0 {
		return
	}
	c.consumer.Drip(ctx, deltas, func(delta statetree.Tree) {
		c.applyDelta(scope, sender, delta)
		c.bus.emit(Event{Name: genericEvent(scope), ID: sender, Delta: delta})
	})
	c.bus.emit(Event{Name: protocol.UpdateEvent(scope, protocol.Batched), ID: sender, Deltas: deltas})
}

func (c *Client) applyDelta(scope protocol.Scope, sender string, delta statetree.Tree) {
	if !c.opts.HandleState {
		return
	}
	c.mu.Lock()
	if scope == protocol.ScopeUser {
		c.users[sender] = statetree.Apply(c.users[sender], delta)
	} else {
		c.state = statetree.Apply(c.state, delta)
	}
	c.mu.Unlock()

	if scope == protocol.ScopeUser {
		c.emitUsersChanged()
	} else {
		c.emitStateChanged()
	}
}

func (c *Client) emitUsersChanged() {
	if c.opts.HandleState {
		c.bus.emit(Event{Name: EventUsersObjectUpdated})
	}
}

func (c *Client) emitStateChanged() {
	if c.opts.HandleState {
		c.bus.emit(Event{Name: EventStateObjectUpdated})
	}
}

func genericEvent(scope protocol.Scope) string {
	if scope == protocol.ScopeUser {
		return EventUserUpdated
	}
	return EventStateUpdated
}

func decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func decodeTree(raw json.RawMessage) statetree.Tree {
	tree, ok := statetree.Decode(raw)
	if !ok {
		return statetree.Tree{}
	}
	return tree
}

func decodeUsers(raw json.RawMessage) map[string]statetree.Tree {
	var m map[string]any
	out := make(map[string]statetree.Tree)
	if !decode(raw, &m) {
		return out
	}
	for id, v := range m {
		if tree, ok := statetree.AsTree(v); ok {
			out[id] = tree
		} else {
			out[id] = statetree.Tree{}
		}
	}
	return out
}

func cloneUsers(users map[string]statetree.Tree) map[string]statetree.Tree {
	out := make(map[string]statetree.Tree, len(users))
	for id, u := range users {
		out[id] = statetree.Clone(u)
	}
	return out
}
