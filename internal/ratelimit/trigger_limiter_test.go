package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, opts Options) *TriggerLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts)
}

func TestLimiterExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, Options{Capacity: 2, RefillPerSecond: 0.001, IdleExpiry: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "/queue/check")
		if err != nil || !allowed {
			t.Fatalf("call %d should pass, allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, remaining, err := limiter.Allow(ctx, "/queue/check")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("bucket is empty, call must be rejected")
	}
	if remaining >= 1 {
		t.Fatalf("expected near-zero balance, got %f", remaining)
	}

	// Note: refill cannot be exercised with miniredis.FastForward() because
	// the script takes its clock from Go's time.Now(), not Redis.
}

func TestLimiterIsPerEndpoint(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, Options{Capacity: 1, RefillPerSecond: 0.001, IdleExpiry: time.Minute})

	if allowed, _, _ := limiter.Allow(ctx, "/queue/check"); !allowed {
		t.Fatal("first endpoint should pass")
	}
	if allowed, _, _ := limiter.Allow(ctx, "/queue/check"); allowed {
		t.Fatal("first endpoint should be exhausted")
	}
	if allowed, _, _ := limiter.Allow(ctx, "/queue/reset-stalled"); !allowed {
		t.Fatal("endpoints must not share a bucket")
	}
}
