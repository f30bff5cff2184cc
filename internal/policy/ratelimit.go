package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limited")

type Action string

const (
	ActionDeposit         Action = "deposit"
	ActionWithdrawal      Action = "withdrawal"
	ActionInvoiceCreation Action = "invoice"
)

// Bucket holds Capacity tokens and refills all of them over Interval.
type Bucket struct {
	Capacity int
	Interval time.Duration
}

func (b Bucket) valid() bool {
	return b.Capacity > 0 && b.Interval > 0
}

type RateLimiter interface {
	Allow(ctx context.Context, uid int64, action Action) (bool, error)
}

// CheckRateLimit takes a token or returns ErrRateLimited. A rejected call
// leaves the bucket untouched.
func CheckRateLimit(ctx context.Context, limiter RateLimiter, uid int64, action Action) error {
	ok, err := limiter.Allow(ctx, uid, action)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

type bucketKey struct {
	uid    int64
	action Action
}

type MemoryBuckets struct {
	mu       sync.Mutex
	limits   map[Action]Bucket
	limiters map[bucketKey]*rate.Limiter
	now      func() time.Time
}

func NewMemoryBuckets(limits map[Action]Bucket) *MemoryBuckets {
	return &MemoryBuckets{
		limits:   limits,
		limiters: make(map[bucketKey]*rate.Limiter),
		now:      time.Now,
	}
}

func (m *MemoryBuckets) Allow(_ context.Context, uid int64, action Action) (bool, error) {
	bucket, ok := m.limits[action]
	if !ok || !bucket.valid() {
		return true, nil
	}
	m.mu.Lock()
	key := bucketKey{uid: uid, action: action}
	limiter, ok := m.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(bucket.Interval/time.Duration(bucket.Capacity)), bucket.Capacity)
		m.limiters[key] = limiter
	}
	m.mu.Unlock()
	return limiter.AllowN(m.now(), 1), nil
}
