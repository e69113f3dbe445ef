package batch

import (
	"context"
	"time"

	"github.com/haasonsaas/roomsync/pkg/statetree"
)

// ApplyFunc applies one delta of a batch.
type ApplyFunc func(delta statetree.Tree)

// Consumer spreads the application of a received batch across one interval so
// a burst of updates animates instead of jumping. The final value is the same
// as applying every delta at once.
type Consumer struct {
	interval time.Duration
}

// NewConsumer creates a Consumer. A non-positive interval uses DefaultInterval.
func NewConsumer(interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Consumer{interval: interval}
}

// Drip applies deltas in order, waiting interval/N between two applications
// and not after the last one. If ctx ends early the remaining deltas are
// applied without waiting so the mirror still converges.
func (c *Consumer) Drip(ctx context.Context, deltas []statetree.Tree, apply ApplyFunc) {
	if len(deltas) == 0 {
		return
	}
	step := c.interval / time.Duration(len(deltas))
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i, delta := range deltas {
		apply(delta)
		if i == len(deltas)-1 || step <= 0 || ctx.Err() != nil {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(step)
		} else {
			timer.Reset(step)
		}
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}
