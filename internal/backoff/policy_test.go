package backoff

import (
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	base := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first attempt", base, 1, 0.5, 100 * time.Millisecond},
		{"second attempt doubles", base, 2, 0.5, 200 * time.Millisecond},
		{"fifth attempt", base, 5, 0.5, 1600 * time.Millisecond},
		{"zero attempt treated as first", base, 0, 0.5, 100 * time.Millisecond},
		{"clamped to max", Policy{Initial: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}, 10, 0, 500 * time.Millisecond},
		{"jitter at max random", Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.1}, 1, 0.99, 110 * time.Millisecond},
		{"jitter at zero random", Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.1}, 1, 0, 100 * time.Millisecond},
		{"jitter clamped", Policy{Initial: 500 * time.Millisecond, Max: 520 * time.Millisecond, Factor: 1, Jitter: 0.5}, 1, 0.9, 520 * time.Millisecond},
		{"no max", Policy{Initial: time.Second, Factor: 3}, 3, 0, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.delay(tt.attempt, tt.random); got != tt.want {
				t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
			}
		})
	}
}

func TestPolicyDelayWithinBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		if d < p.Initial || d > p.Max {
			t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, p.Initial, p.Max)
		}
	}
}
