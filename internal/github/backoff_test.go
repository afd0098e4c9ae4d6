package github

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first retry", 0, time.Second},
		{"second retry doubles", 1, 2 * time.Second},
		{"third retry doubles again", 2, 4 * time.Second},
		{"negative attempt clamps to base", -3, time.Second},
		{"large attempt hits cap", 10, time.Minute},
		{"overflow hits cap", 80, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.attempt); got != tt.expected {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 2*time.Second || d > 3*time.Second {
			t.Fatalf("Delay(1) with 0.5 jitter = %v, want [2s, 3s]", d)
		}
	}
}

func TestRealClockSleepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := RealClock().Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Sleep on cancelled context = %v, want context.Canceled", err)
	}
}
