// Package burst provides the burst-coalescing lock that bounds how often an
// unreliable channel broadcasts.
//
// A Lock is a two-state machine. While Idle, a submitted delta is emitted at
// once and the lock moves to Locked for the burst delay. While Locked, deltas
// are merged into a single pending payload. When the delay elapses the pending
// payload, if any, is submitted again, which may lock for another window.
// Nothing is dropped; intermediate values are collapsed.
package burst

import (
	"sync/atomic"
	"time"

	"github.com/haasonsaas/roomsync/internal/clock"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// DefaultDelay is the default burst window (20 emissions per second).
const DefaultDelay = 50 * time.Millisecond

// EmitFunc applies a delta to storage and broadcasts it.
type EmitFunc func(delta statetree.Tree)

// State is the lock state.
type State int

const (
	Idle State = iota
	Locked
)

func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "idle"
}

// Stats counts lock activity.
type Stats struct {
	Emitted   int64
	Coalesced int64
	Rejected  int64
}

// Lock rate-limits one channel of one connection. It is not safe for concurrent
// use; callers serialize Submit and timer callbacks, which the hub does by
// running both on its event loop.
type Lock struct {
	delay   time.Duration
	clock   clock.Clock
	emit    EmitFunc
	state   State
	pending statetree.Tree

	emitted   atomic.Int64
	coalesced atomic.Int64
	rejected  atomic.Int64
}

// NewLock creates an idle lock. A zero delay uses DefaultDelay and a nil clock
// uses the wall clock.
func NewLock(delay time.Duration, clk clock.Clock, emit EmitFunc) *Lock {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if emit == nil {
		emit = func(statetree.Tree) {}
	}
	return &Lock{delay: delay, clock: clk, emit: emit}
}

// Submit offers a delta. Non-tree values are rejected and reported as false.
func (l *Lock) Submit(delta any) bool {
	tree, ok := statetree.AsTree(delta)
	if !ok {
		l.rejected.Add(1)
		return false
	}
	if l.state == Locked {
		l.pending = statetree.Merge(l.pending, tree)
		l.coalesced.Add(1)
		return true
	}

	l.emit(tree)
	l.emitted.Add(1)
	l.state = Locked
	l.clock.AfterFunc(l.delay, l.unlock)
	return true
}

func (l *Lock) unlock() {
	pending := l.pending
	l.pending = nil
	l.state = Idle
	if len(pending) == 0 {
		return
	}
	l.Submit(pending)
}

// State returns the current lock state.
func (l *Lock) State() State { return l.state }

// Pending returns the payload waiting for the next window, or nil.
func (l *Lock) Pending() statetree.Tree { return l.pending }

// Stats returns the lock counters. It is safe to call from any goroutine.
func (l *Lock) Stats() Stats {
	return Stats{
		Emitted:   l.emitted.Load(),
		Coalesced: l.coalesced.Load(),
		Rejected:  l.rejected.Load(),
	}
}
