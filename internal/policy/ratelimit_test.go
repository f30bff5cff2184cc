package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBucketsRejectExcessPerUser(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryBuckets(map[Action]Bucket{ActionWithdrawal: {Capacity: 3, Interval: time.Minute}})
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := CheckRateLimit(ctx, limiter, 1, ActionWithdrawal); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	if err := CheckRateLimit(ctx, limiter, 1, ActionWithdrawal); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := CheckRateLimit(ctx, limiter, 2, ActionWithdrawal); err != nil {
		t.Fatalf("other user should be unaffected, got %v", err)
	}
	if err := CheckRateLimit(ctx, limiter, 1, ActionDeposit); err != nil {
		t.Fatalf("unlimited action should pass, got %v", err)
	}
}

func TestMemoryBucketsRejectionDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryBuckets(map[Action]Bucket{ActionDeposit: {Capacity: 2, Interval: 2 * time.Second}})
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, 9, ActionDeposit); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow(ctx, 9, ActionDeposit); ok {
			t.Fatalf("bucket should be empty")
		}
	}
	now = now.Add(time.Second)
	if ok, _ := limiter.Allow(ctx, 9, ActionDeposit); !ok {
		t.Fatalf("one token should have refilled despite the rejections")
	}
}
