// Package dispatch orders work per account while letting unrelated
// accounts proceed concurrently.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lnbank/internal/money"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// AccountKey names a user's account in one currency.
func AccountKey(uid int64, currency money.Currency) string {
	return fmt.Sprintf("%d/%s", uid, currency)
}

// Dispatcher runs submitted work in the background. Work sharing a key
// runs one at a time in submission order and at most limit items run at
// once. Submit never blocks: queued work holds no slot until every
// predecessor on its keys has finished.
type Dispatcher struct {
	ctx   context.Context
	group *errgroup.Group
	slots *semaphore.Weighted

	mu    sync.Mutex
	tails map[string]chan struct{}
}

func New(ctx context.Context, limit int) *Dispatcher {
	g, gctx := errgroup.WithContext(ctx)
	d := &Dispatcher{ctx: gctx, group: g, tails: make(map[string]chan struct{})}
	if limit > 0 {
		d.slots = semaphore.NewWeighted(int64(limit))
	}
	return d
}

// Submit queues fn behind every earlier submission sharing one of keys.
// It is safe for concurrent use; submissions are ordered by the time they
// reach the dispatcher.
func (d *Dispatcher) Submit(keys []string, fn func(ctx context.Context)) {
	keys = dedupe(keys)
	done := make(chan struct{})

	d.mu.Lock()
	prev := make([]chan struct{}, 0, len(keys))
	for _, k := range keys {
		if tail, ok := d.tails[k]; ok {
			prev = append(prev, tail)
		}
		d.tails[k] = done
	}
	d.mu.Unlock()

	d.group.Go(func() error {
		defer d.finish(keys, done)
		for _, p := range prev {
			select {
			case <-p:
			case <-d.ctx.Done():
				return nil
			}
		}
		if d.slots != nil {
			if err := d.slots.Acquire(d.ctx, 1); err != nil {
				return nil
			}
			defer d.slots.Release(1)
		}
		if d.ctx.Err() != nil {
			return nil
		}
		fn(d.ctx)
		return nil
	})
}

func (d *Dispatcher) finish(keys []string, done chan struct{}) {
	d.mu.Lock()
	for _, k := range keys {
		if d.tails[k] == done {
			delete(d.tails, k)
		}
	}
	d.mu.Unlock()
	close(done)
}

// Pending is the number of keys with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tails)
}

// Wait blocks until all submitted work has returned.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i == 0 || k != out[n-1] {
			out[n] = k
			n++
		}
	}
	return out[:n]
}
