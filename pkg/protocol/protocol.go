// Package protocol defines the named events exchanged between roomsync clients
// and the hub, and the JSON frame that carries them over a websocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to hub lifecycle events.
const (
	EventAuth      = "auth"
	EventJoin      = "join"
	EventLeaveRoom = "leaveroom"
)

// Hub to client lifecycle and presence events.
const (
	EventAuthed       = "authed"
	EventJoined       = "joined"
	EventLeftRoom     = "leftroom"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Update events travel in both directions. Clients send the delta alone, the hub
// rebroadcasts it to the room prefixed with the sender id.
const (
	EventUserReliable    = "user_updated_reliable"
	EventUserUnreliable  = "user_updated_unreliable"
	EventUserBatched     = "user_updated_batched"
	EventStateReliable   = "state_updated_reliable"
	EventStateUnreliable = "state_updated_unreliable"
	EventStateBatched    = "state_updated_batched"
)

// Scope selects which tree an update targets.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeState Scope = "state"
)

// Channel selects how an update is delivered.
type Channel string

const (
	// Reliable updates merge and broadcast immediately.
	Reliable Channel = "reliable"
	// Unreliable updates are coalesced to bound the outbound rate.
	Unreliable Channel = "unreliable"
	// Batched updates arrive as ordered arrays and preserve every delta.
	Batched Channel = "batched"
)

// UpdateEvent returns the event name for a scope and channel.
func UpdateEvent(scope Scope, channel Channel) string {
	return string(scope) + "_updated_" + string(channel)
}

// ParseUpdateEvent reports the scope and channel of an update event name.
func ParseUpdateEvent(event string) (Scope, Channel, bool) {
	switch event {
	case EventUserReliable:
		return ScopeUser, Reliable, true
	case EventUserUnreliable:
		return ScopeUser, Unreliable, true
	case EventUserBatched:
		return ScopeUser, Batched, true
	case EventStateReliable:
		return ScopeState, Reliable, true
	case EventStateUnreliable:
		return ScopeState, Unreliable, true
	case EventStateBatched:
		return ScopeState, Batched, true
	default:
		return "", "", false
	}
}

// Frame is a single named event with ordered arguments.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Seq   *int64            `json:"seq,omitempty"`
}

// NewFrame marshals args into a frame for event.
func NewFrame(event string, args ...any) (Frame, error) {
	frame := Frame{Event: event}
	if len(args) == 0 {
		return frame, nil
	}
	frame.Args = make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			frame.Args = append(frame.Args, raw)
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s arg %d: %w", event, i, err)
		}
		frame.Args = append(frame.Args, data)
	}
	return frame, nil
}

// Arg returns the raw argument at index i, or nil when absent.
func (f Frame) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(f.Args) {
		return nil
	}
	return f.Args[i]
}

// AuthRequest is the argument of an auth event.
type AuthRequest struct {
	ID string `json:"id,omitempty"`
}

// AuthReply is the argument of an authed event.
type AuthReply struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state"`
}

// JoinRequest is the first argument of a join event. The optional second
// argument is the initial user state.
type JoinRequest struct {
	Room string `json:"room"`
}
