package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/roomsync/pkg/statetree"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]statetree.Tree
	ch      chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan struct{}, 16)}
}

func (r *flushRecorder) flush(deltas []statetree.Tree, _ uint64) {
	r.mu.Lock()
	r.batches = append(r.batches, deltas)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *flushRecorder) snapshot() [][]statetree.Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]statetree.Tree(nil), r.batches...)
}

func TestProducer_SingleBatchPreservesOrder(t *testing.T) {
	rec := newFlushRecorder()
	p := NewProducer(WithInterval(30*time.Millisecond), WithOnFlush(rec.flush))

	p.Enqueue(statetree.Tree{"n": 1.0})
	p.Enqueue(statetree.Tree{"n": 2.0})
	p.Enqueue(statetree.Tree{"n": 3.0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("no flush within 1s")
	}

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch has %d deltas, want 3", len(batches[0]))
	}
	for i, d := range batches[0] {
		if d["n"] != float64(i+1) {
			t.Errorf("batch[%d] = %v, want n=%d", i, d, i+1)
		}
	}
	if p.Len() != 0 {
		t.Errorf("queue length after flush = %d", p.Len())
	}
}

func TestProducer_BoundsFlushRate(t *testing.T) {
	rec := newFlushRecorder()
	interval := 40 * time.Millisecond
	p := NewProducer(WithInterval(interval), WithOnFlush(rec.flush))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	total := 0
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.Enqueue(statetree.Tree{"i": float64(total)})
		total++
		time.Sleep(5 * time.Millisecond)
	}

	// Let the remaining items drain.
	time.Sleep(3 * interval)
	cancel()

	batches := rec.snapshot()
	got := 0
	next := 0.0
	for _, b := range batches {
		for _, d := range b {
			if d["i"] != next {
				t.Fatalf("out of order: got %v, want %v", d["i"], next)
			}
			next++
			got++
		}
	}
	if got != total {
		t.Fatalf("delivered %d deltas, enqueued %d", got, total)
	}
	// 200ms of traffic plus drain cannot produce more than one flush per interval.
	if max := int((200*time.Millisecond+3*interval)/interval) + 1; len(batches) > max {
		t.Fatalf("%d flushes exceeds bound %d", len(batches), max)
	}
}

func TestProducer_NoFlushWhenEmpty(t *testing.T) {
	rec := newFlushRecorder()
	p := NewProducer(WithInterval(10*time.Millisecond), WithOnFlush(rec.flush))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("got %d flushes on an empty queue", n)
	}
}

func TestConsumer_DripAppliesInOrderOverInterval(t *testing.T) {
	interval := 60 * time.Millisecond
	c := NewConsumer(interval)
	deltas := []statetree.Tree{{"x": 1.0}, {"x": 2.0}, {"x": 3.0}}

	var (
		state statetree.Tree
		seen  []float64
	)
	start := time.Now()
	c.Drip(context.Background(), deltas, func(d statetree.Tree) {
		state = statetree.Apply(state, d)
		seen = append(seen, state["x"].(float64))
	})
	elapsed := time.Since(start)

	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("applied %v, want [1 2 3]", seen)
	}
	// Two waits of interval/3 each.
	if min := 2 * interval / 3; elapsed < min {
		t.Fatalf("elapsed %v, want at least %v", elapsed, min)
	}
	if elapsed > 5*interval {
		t.Fatalf("elapsed %v, far beyond interval %v", elapsed, interval)
	}
}

func TestConsumer_CancelledContextStillConverges(t *testing.T) {
	c := NewConsumer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var state statetree.Tree
	done := make(chan struct{})
	go func() {
		c.Drip(ctx, []statetree.Tree{{"a": 1.0}, {"b": 2.0}, {"a": nil}}, func(d statetree.Tree) {
			state = statetree.Apply(state, d)
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drip blocked on a cancelled context")
	}
	if !statetree.Equal(state, statetree.Tree{"b": 2.0}) {
		t.Fatalf("state = %v", state)
	}
}

func TestProducer_ResetDropsQueueAndAdvancesGeneration(t *testing.T) {
	var (
		mu   sync.Mutex
		gens []uint64
		got  [][]statetree.Tree
	)
	flushed := make(chan struct{}, 4)
	p := NewProducer(WithInterval(20*time.Millisecond), WithOnFlush(func(deltas []statetree.Tree, gen uint64) {
		mu.Lock()
		got = append(got, deltas)
		gens = append(gens, gen)
		mu.Unlock()
		flushed <- struct{}{}
	}))

	p.Enqueue(statetree.Tree{"old": 1.0})
	p.Enqueue(statetree.Tree{"old": 2.0})
	if n := p.Reset(); n != 2 {
		t.Fatalf("Reset dropped %d, want 2", n)
	}
	if p.Len() != 0 {
		t.Fatalf("queue length after reset = %d", p.Len())
	}
	if p.Generation() != 1 {
		t.Fatalf("generation = %d, want 1", p.Generation())
	}
	p.Enqueue(statetree.Tree{"new": 1.0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("no flush within 1s")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || len(got[0]) != 1 || got[0][0]["new"] != 1.0 {
		t.Fatalf("flushed %v, want only the post-reset delta", got)
	}
	if gens[0] != 1 {
		t.Fatalf("flush generation = %d, want 1", gens[0])
	}
}
