package client

import (
	"sort"
	"sync"

	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// Events raised by the client in addition to the protocol events it relays.
const (
	// EventConnect fires once the websocket handshake completes.
	EventConnect = "connect"
	// EventDisconnect fires when the connection ends for any reason.
	EventDisconnect = "disconnect"
	// EventUserUpdated fires for every applied user delta, whatever its channel.
	EventUserUpdated = "user_updated"
	// EventStateUpdated fires for every applied room-state delta.
	EventStateUpdated = "state_updated"
	// EventUsersObjectUpdated fires after the users mirror changed.
	EventUsersObjectUpdated = "users_object_updated"
	// EventStateObjectUpdated fires after the room-state mirror changed.
	EventStateObjectUpdated = "state_object_updated"
)

// Event is an application-level event. Only the fields relevant to Name are
// set.
type Event struct {
	Name   string
	ID     string
	Room   string
	Reason string
	Delta  statetree.Tree
	Deltas []statetree.Tree
	State  statetree.Tree
	Users  map[string]statetree.Tree
	Err    *protocol.OpError
}

// Handler receives events on the client's read goroutine. Handlers must not
// block for long; they delay every later event. Events that follow a
// received batch also wait for that batch to be spread over
// Options.BatchInterval.
type Handler func(Event)

type listener struct {
	fn     Handler
	filter func(Event) bool
	once   bool
}

type bus struct {
	mu        sync.Mutex
	next      int
	listeners map[string]map[int]*listener
}

func newBus() *bus {
	return &bus{listeners: make(map[string]map[int]*listener)}
}

func (b *bus) add(name string, l *listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.listeners[name] == nil {
		b.listeners[name] = make(map[int]*listener)
	}
	b.listeners[name][id] = l
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[name], id)
	}
}

// emit calls matching listeners in registration order.
func (b *bus) emit(ev Event) {
	b.mu.Lock()
	set := b.listeners[ev.Name]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		l := set[id]
		if l.filter != nil && !l.filter(ev) {
			continue
		}
		if l.once {
			delete(set, id)
		}
		fns = append(fns, l.fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// once registers a one-shot listener that delivers into a buffered channel.
func (b *bus) once(name string, filter func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	cancel := b.add(name, &listener{
		once:   true,
		filter: filter,
		fn: func(ev Event) {
			select {
			case ch <- ev:
			default:
			}
		},
	})
	return ch, cancel
}
