// Package rooms holds the authoritative room and user state of the hub.
//
// The Registry owns every room, its members and their burst locks. It is not
// safe for concurrent use: the hub runs every call, including burst unlock
// callbacks and sweeps, on its event loop. Transport stays outside the package;
// fan-out goes through the injected Broadcaster.
package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/roomsync/internal/burst"
	"github.com/haasonsaas/roomsync/internal/clock"
	"github.com/haasonsaas/roomsync/internal/observability"
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// ErrNotMember is returned when an operation targets a member that already left.
var ErrNotMember = errors.New("rooms: not a member")

// ErrUnknownRetention is returned for a retention policy the registry does not know.
var ErrUnknownRetention = errors.New("rooms: unknown retention policy")

// Broadcaster delivers an event to a set of connections.
type Broadcaster interface {
	Broadcast(connIDs []string, event string, args ...any)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(connIDs []string, event string, args ...any)

// Broadcast calls f.
func (f BroadcasterFunc) Broadcast(connIDs []string, event string, args ...any) {
	f(connIDs, event, args...)
}

// Retention decides what happens to rooms without members.
type Retention string

const (
	// RetainKeep keeps room state for the lifetime of the process.
	RetainKeep Retention = "keep"
	// RetainEvictEmpty lets Sweep remove rooms without members.
	RetainEvictEmpty Retention = "evict_empty"
)

// DefaultSweepSchedule is how often empty rooms are evicted under
// RetainEvictEmpty.
const DefaultSweepSchedule = "@every 1m"

// SweepParser parses sweep schedules: cron expressions with optional seconds
// or descriptors such as "@every 30s".
var SweepParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseRetention validates a retention policy name. Empty means RetainKeep.
func ParseRetention(s string) (Retention, error) {
	switch Retention(s) {
	case "", RetainKeep:
		return RetainKeep, nil
	case RetainEvictEmpty:
		return RetainEvictEmpty, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRetention, s)
	}
}

// Snapshot is what a joiner receives: the room state and every member's user
// state keyed by member id.
type Snapshot struct {
	Room  string
	State statetree.Tree
	Users map[string]statetree.Tree
}

// Info summarizes one room.
type Info struct {
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is one connection's presence in a room.
type Member struct {
	ConnID string
	ID     string
	Room   string

	user      statetree.Tree
	userLock  *burst.Lock
	stateLock *burst.Lock
	joinedAt  time.Time
	left      bool
}

// User returns a copy of the member's user state.
func (m *Member) User() statetree.Tree {
	return statetree.Clone(m.user)
}

type room struct {
	name      string
	state     statetree.Tree
	members   map[string]*Member // by connection id
	createdAt time.Time
}

// Registry is the set of live rooms.
type Registry struct {
	broadcaster Broadcaster
	clock       clock.Clock
	burstDelay  time.Duration
	retention   Retention
	metrics     *observability.Metrics
	logger      *slog.Logger

	rooms    map[string]*room
	recalled map[string]recall // by user id
}

// recall is the user state an id had when it last left a room. It lives as
// long as that room: Sweep drops it together with the room.
type recall struct {
	room string
	user statetree.Tree
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock driving burst locks.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithBurstDelay sets the burst window of unreliable channels.
func WithBurstDelay(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.burstDelay = d
		}
	}
}

// WithRetention sets the room retention policy.
func WithRetention(p Retention) Option {
	return func(r *Registry) {
		if p != "" {
			r.retention = p
		}
	}
}

// WithMetrics records registry activity.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(b Broadcaster, opts ...Option) *Registry {
	r := &Registry{
		broadcaster: b,
		clock:       clock.Real{},
		burstDelay:  burst.DefaultDelay,
		retention:   RetainKeep,
		logger:      slog.Default(),
		rooms:       make(map[string]*room),
		recalled:    make(map[string]recall),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.broadcaster == nil {
		r.broadcaster = BroadcasterFunc(func([]string, string, ...any) {})
	}
	r.logger = r.logger.With("component", "rooms")
	return r
}

// Join adds a connection to a room, creating the room on first use. The user
// state is initial when it is a tree and {} otherwise. The snapshot includes
// the joiner.
func (r *Registry) Join(connID, id, name string, initial any) (*Member, Snapshot) {
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{
			name:      name,
			state:     statetree.Tree{},
			members:   make(map[string]*Member),
			createdAt: r.clock.Now(),
		}
		r.rooms[name] = rm
		r.metrics.SetRooms(len(r.rooms))
		r.logger.Debug("room created", "room", name)
	}

	user, ok := statetree.AsTree(initial)
	if !ok {
		user = statetree.Tree{}
	}
	m := &Member{
		ConnID:   connID,
		ID:       id,
		Room:     name,
		user:     statetree.Compact(statetree.Clone(user)),
		joinedAt: r.clock.Now(),
	}
	m.userLock = burst.NewLock(r.burstDelay, r.clock, func(delta statetree.Tree) {
		r.emitUser(m, delta, protocol.Unreliable)
	})
	m.stateLock = burst.NewLock(r.burstDelay, r.clock, func(delta statetree.Tree) {
		r.emitState(m, delta, protocol.Unreliable)
	})
	rm.members[connID] = m

	return m, r.snapshot(rm)
}

func (r *Registry) snapshot(rm *room) Snapshot {
	users := make(map[string]statetree.Tree, len(rm.members))
	for _, m := range rm.members {
		users[m.ID] = statetree.Clone(m.user)
	}
	return Snapshot{
		Room:  rm.name,
		State: statetree.Clone(rm.state),
		Users: users,
	}
}

// Snapshot returns the current view of a room.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	rm, ok := r.rooms[name]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(rm), true
}

// Leave removes the member from its room. The member's user state is kept for
// Recall until the room is evicted; the room and its state stay.
func (r *Registry) Leave(m *Member) error {
	if m == nil || m.left {
		return ErrNotMember
	}
	rm, ok := r.rooms[m.Room]
	if !ok || rm.members[m.ConnID] != m {
		return ErrNotMember
	}
	delete(rm.members, m.ConnID)
	m.left = true
	if m.ID != "" {
		r.recalled[m.ID] = recall{room: m.Room, user: statetree.Clone(m.user)}
	}
	m.user = nil
	return nil
}

// Recall returns the last known user state for an id.
func (r *Registry) Recall(id string) (statetree.Tree, bool) {
	rc, ok := r.recalled[id]
	if !ok {
		return nil, false
	}
	return statetree.Clone(rc.user), true
}

// Broadcast sends an event to every member of a room except skip, which may
// be nil.
func (r *Registry) Broadcast(name string, skip *Member, event string, args ...any) {
	rm, ok := r.rooms[name]
	if !ok {
		return
	}
	conns := make([]string, 0, len(rm.members))
	for connID, m := range rm.members {
		if m == skip {
			continue
		}
		conns = append(conns, connID)
	}
	if len(conns) == 0 {
		return
	}
	sort.Strings(conns)
	r.broadcaster.Broadcast(conns, event, args...)
	r.metrics.Broadcast(event, len(conns))
}

// ApplyUserDelta applies a user-state update from m on the given channel.
func (r *Registry) ApplyUserDelta(m *Member, delta any, ch protocol.Channel) error {
	return r.apply(m, protocol.ScopeUser, delta, ch)
}

// ApplyStateDelta applies a room-state update from m on the given channel.
func (r *Registry) ApplyStateDelta(m *Member, delta any, ch protocol.Channel) error {
	return r.apply(m, protocol.ScopeState, delta, ch)
}

func (r *Registry) apply(m *Member, scope protocol.Scope, delta any, ch protocol.Channel) error {
	if !r.isMember(m) {
		return ErrNotMember
	}

	emit := r.emitState
	lock := m.stateLock
	if scope == protocol.ScopeUser {
		emit = r.emitUser
		lock = m.userLock
	}

	switch ch {
	case protocol.Reliable:
		tree, ok := statetree.AsTree(delta)
		if !ok {
			r.metrics.DeltaDropped(string(scope), string(ch))
			return nil
		}
		emit(m, tree, ch)
	case protocol.Unreliable:
		locked := lock.State() == burst.Locked
		if !lock.Submit(delta) {
			r.metrics.DeltaDropped(string(scope), string(ch))
			return nil
		}
		if locked {
			r.metrics.DeltaCoalesced(string(scope))
		}
	case protocol.Batched:
		r.applyBatch(m, scope, delta)
	default:
		return fmt.Errorf("rooms: unknown channel %q", ch)
	}
	return nil
}

// applyBatch applies every tree element of a batched array in order and
// broadcasts the accepted elements as one message.
func (r *Registry) applyBatch(m *Member, scope protocol.Scope, delta any) {
	items, ok := delta.([]any)
	if !ok {
		r.metrics.DeltaDropped(string(scope), string(protocol.Batched))
		return
	}
	accepted := make([]statetree.Tree, 0, len(items))
	for _, item := range items {
		tree, ok := statetree.AsTree(item)
		if !ok {
			r.metrics.DeltaDropped(string(scope), string(protocol.Batched))
			continue
		}
		r.store(m, scope, tree)
		accepted = append(accepted, tree)
	}
	if len(accepted) == 0 {
		return
	}
	r.metrics.RecordBatch(string(scope), len(accepted))
	r.Broadcast(m.Room, nil, protocol.UpdateEvent(scope, protocol.Batched), m.ID, accepted)
}

func (r *Registry) emitUser(m *Member, delta statetree.Tree, ch protocol.Channel) {
	r.emit(m, protocol.ScopeUser, delta, ch)
}

func (r *Registry) emitState(m *Member, delta statetree.Tree, ch protocol.Channel) {
	r.emit(m, protocol.ScopeState, delta, ch)
}

func (r *Registry) emit(m *Member, scope protocol.Scope, delta statetree.Tree, ch protocol.Channel) {
	// A burst unlock can fire after the member left.
	if !r.isMember(m) {
		return
	}
	r.store(m, scope, delta)
	r.Broadcast(m.Room, nil, protocol.UpdateEvent(scope, ch), m.ID, delta)
}

func (r *Registry) store(m *Member, scope protocol.Scope, delta statetree.Tree) {
	if scope == protocol.ScopeUser {
		m.user = statetree.Apply(m.user, delta)
		return
	}
	rm := r.rooms[m.Room]
	rm.state = statetree.Apply(rm.state, delta)
}

func (r *Registry) isMember(m *Member) bool {
	if m == nil || m.left {
		return false
	}
	rm, ok := r.rooms[m.Room]
	return ok && rm.members[m.ConnID] == m
}

// SetRetention changes the retention policy.
func (r *Registry) SetRetention(p Retention) {
	r.retention = p
}

// Retention returns the active retention policy.
func (r *Registry) Retention() Retention {
	return r.retention
}

// Sweep removes rooms without members when the policy is RetainEvictEmpty and
// returns how many were removed. Recalled user state left from an evicted
// room goes with it.
func (r *Registry) Sweep() int {
	if r.retention != RetainEvictEmpty {
		return 0
	}
	evicted := make(map[string]bool)
	for name, rm := range r.rooms {
		if len(rm.members) > 0 {
			continue
		}
		delete(r.rooms, name)
		evicted[name] = true
	}
	if len(evicted) == 0 {
		return 0
	}
	forgotten := 0
	for id, rc := range r.recalled {
		if evicted[rc.room] {
			delete(r.recalled, id)
			forgotten++
		}
	}
	r.metrics.SetRooms(len(r.rooms))
	r.logger.Info("evicted empty rooms", "count", len(evicted), "recalled_dropped", forgotten)
	return len(evicted)
}

// Rooms lists every room ordered by name.
func (r *Registry) Rooms() []Info {
	out := make([]Info, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, Info{Name: rm.name, Members: len(rm.members), CreatedAt: rm.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
