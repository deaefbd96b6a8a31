package agent

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(3, 60)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("burst tokens should be granted immediately")
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	// 1 burst token, 600 per minute = 10/s, so the second call waits ~100ms.
	rl := NewRateLimiter(1, 600)
	ctx := context.Background()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("second call should have been throttled")
	}
}

func TestRateLimiterContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 1) // refill takes a minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
