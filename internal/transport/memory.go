package transport

import (
	"context"
	"sync"
)

// MemoryBus delivers envelopes in-process. Each channel is a buffered queue;
// one consumer per channel.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[Channel]chan Envelope
	size   int
	closed bool
	done   chan struct{}
}

func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{
		queues: make(map[Channel]chan Envelope),
		size:   size,
		done:   make(chan struct{}),
	}
}

func (b *MemoryBus) queue(ch Channel) (chan Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[ch]
	if !ok {
		q = make(chan Envelope, b.size)
		b.queues[ch] = q
	}
	return q, nil
}

func (b *MemoryBus) Publish(ctx context.Context, ch Channel, env Envelope) error {
	q, err := b.queue(ch)
	if err != nil {
		return err
	}
	select {
	case q <- env:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume redelivers an envelope whose handler failed, matching the
// at-least-once behavior of the broker-backed bus. There are no offsets to
// commit, so ack does nothing.
func (b *MemoryBus) Consume(ctx context.Context, ch Channel, h Handler) error {
	q, err := b.queue(ch)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case env := <-q:
			if err := h(ctx, env, func() {}); err != nil {
				select {
				case q <- env:
				default:
				}
			}
		}
	}
}

// Next pops one envelope from ch without a consumer loop.
func (b *MemoryBus) Next(ctx context.Context, ch Channel) (Envelope, error) {
	q, err := b.queue(ch)
	if err != nil {
		return Envelope{}, err
	}
	select {
	case env := <-q:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
