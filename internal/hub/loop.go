package hub

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/roomsync/internal/clock"
)

// ErrLoopStopped is returned when a task is posted to a loop that is no
// longer running.
var ErrLoopStopped = errors.New("hub: event loop stopped")

const loopQueueSize = 1024

// Loop runs posted tasks one at a time on a single goroutine. Everything that
// touches registry or session state runs here, so tasks need no locking and
// per-room order equals post order.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop. Call Run to start it.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make(chan func(), loopQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues fn. It blocks while the queue is full and reports false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run executes tasks until ctx is done. Tasks still queued at that point are
// discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// loopClock schedules timer callbacks back onto the loop.
type loopClock struct {
	base clock.Clock
	loop *Loop
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.base.AfterFunc(d, func() {
		c.loop.Post(fn)
	})
}
