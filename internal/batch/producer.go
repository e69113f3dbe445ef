// Package batch groups deltas into periodic ordered flushes and smooths their
// application on the receiving side.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// DefaultInterval is the minimum time between two flushes.
const DefaultInterval = 50 * time.Millisecond

// FlushFunc receives the queued deltas in enqueue order, together with the
// generation they were queued in.
type FlushFunc func(deltas []statetree.Tree, generation uint64)

// Producer accumulates deltas and flushes them as one ordered batch at most
// once per interval. Unlike the burst lock it never collapses deltas.
type Producer struct {
	interval time.Duration
	onFlush  FlushFunc
	now      func() time.Time

	mu        sync.Mutex
	queue     []statetree.Tree
	lastFlush time.Time
	flushed   int64
	gen       uint64

	signal chan struct{}
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithInterval sets the flush interval.
func WithInterval(d time.Duration) ProducerOption {
	return func(p *Producer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOnFlush sets the flush callback.
func WithOnFlush(fn FlushFunc) ProducerOption {
	return func(p *Producer) {
		p.onFlush = fn
	}
}

// NewProducer creates a Producer. Call Run to start flushing.
func NewProducer(opts ...ProducerOption) *Producer {
	p := &Producer{
		interval: DefaultInterval,
		now:      time.Now,
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.onFlush == nil {
		p.onFlush = func([]statetree.Tree, uint64) {}
	}
	// The first window opens at construction so deltas enqueued together
	// leave together.
	p.lastFlush = p.now()
	return p
}

// Enqueue appends a delta and wakes the flush loop.
func (p *Producer) Enqueue(delta statetree.Tree) {
	p.mu.Lock()
	p.queue = append(p.queue, delta)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run flushes until ctx is done. Each iteration waits for a new item or one
// interval, whichever comes first, then flushes if the queue is non-empty and
// a full interval has passed since the previous flush.
func (p *Producer) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		timer.Reset(p.interval)
		p.flushIfDue()
	}
}

func (p *Producer) flushIfDue() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	now := p.now()
	if now.Sub(p.lastFlush) < p.interval {
		p.mu.Unlock()
		return
	}
	items := p.queue
	gen := p.gen
	p.queue = nil
	p.lastFlush = now
	p.flushed++
	p.mu.Unlock()

	p.onFlush(items, gen)
}

// Reset drops every queued delta and starts a new generation. It returns how
// many deltas were dropped. A batch taken before the reset still reaches the
// flush callback with the old generation; compare it with Generation to
// discard it.
func (p *Producer) Reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = nil
	p.gen++
	return n
}

// Generation returns the current generation.
func (p *Producer) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Len returns the number of queued deltas.
func (p *Producer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flushes returns how many batches have been emitted.
func (p *Producer) Flushes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushed
}
