package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is the outcome of claiming a correlation id.
type ClaimState int

const (
	// Claimed means the caller now owns the id and must Complete or Release it.
	Claimed ClaimState = iota
	// Completed means the id was handled before.
	Completed
	// Busy means another consumer holds a live lease on the id.
	Busy
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// Deduper makes at-least-once delivery safe: a correlation id is claimed
// before handling, completed once a final answer was produced and released
// when handling failed transiently so a redelivery can retry. A claim is a
// lease: if its holder dies the id becomes claimable again after the lease.
type Deduper interface {
	Claim(ctx context.Context, id string) (ClaimState, error)
	Complete(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

type memoryEntry struct {
	done    bool
	expires time.Time
}

type MemoryDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	lease   time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryDeduper remembers completed ids for ttl and pending claims for
// lease.
func NewMemoryDeduper(ttl, lease time.Duration) *MemoryDeduper {
	if lease <= 0 || lease > ttl {
		lease = ttl
	}
	return &MemoryDeduper{ttl: ttl, lease: lease, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryDeduper) Claim(_ context.Context, id string) (ClaimState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[id]; ok && now.Before(e.expires) {
		if e.done {
			return Completed, nil
		}
		return Busy, nil
	}
	m.entries[id] = memoryEntry{expires: now.Add(m.lease)}
	if len(m.entries)%1024 == 0 {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
	}
	return Claimed, nil
}

func (m *MemoryDeduper) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryEntry{done: true, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryDeduper) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

const (
	claimPending = "pending"
	claimDone    = "done"
)

// RedisDeduper shares claims across bank instances with SET NX.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	lease  time.Duration
	prefix string
}

func NewRedisDeduper(client redis.Cmdable, ttl, lease time.Duration) *RedisDeduper {
	if lease <= 0 || lease > ttl {
		lease = ttl
	}
	return &RedisDeduper{client: client, ttl: ttl, lease: lease, prefix: "lnbank:dedupe:"}
}

func (r *RedisDeduper) Claim(ctx context.Context, id string) (ClaimState, error) {
	key := r.prefix + id
	ok, err := r.client.SetNX(ctx, key, claimPending, r.lease).Result()
	if err != nil {
		return Busy, err
	}
	if ok {
		return Claimed, nil
	}
	state, err := r.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// The lease lapsed between the two calls; let the caller retry.
		return Busy, nil
	case err != nil:
		return Busy, err
	case state == claimDone:
		return Completed, nil
	}
	return Busy, nil
}

func (r *RedisDeduper) Complete(ctx context.Context, id string) error {
	return r.client.Set(ctx, r.prefix+id, claimDone, r.ttl).Err()
}

func (r *RedisDeduper) Release(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}
