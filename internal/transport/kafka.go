package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  map[Channel]string
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus maps each channel to a topic. An offset is committed only once
// the handler has acknowledged its envelope and every earlier envelope of
// the same partition, so a crash redelivers all unfinished work.
type KafkaBus struct {
	cfg       KafkaConfig
	writer    kafkaWriter
	newReader func(topic string) kafkaReader
	logger    *zap.Logger

	mu      sync.Mutex
	readers []kafkaReader
}

func NewKafkaBus(cfg KafkaConfig, logger *zap.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	newReader := func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return &KafkaBus{cfg: cfg, writer: writer, newReader: newReader, logger: logger}
}

func (b *KafkaBus) topic(ch Channel) string {
	if t, ok := b.cfg.Topics[ch]; ok && t != "" {
		return t
	}
	return "lnbank." + string(ch)
}

// Publish keys the message by the envelope's partition key so envelopes
// about one account land on one partition in order.
func (b *KafkaBus) Publish(ctx context.Context, ch Channel, env Envelope) error {
	value, err := env.Marshal()
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic(ch),
		Key:   []byte(env.PartitionKey()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind)},
		},
	})
}

func (b *KafkaBus) Consume(ctx context.Context, ch Channel, h Handler) error {
	reader := b.newReader(b.topic(ch))
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()
	defer b.forget(reader)

	log := b.logger.With(zap.String("topic", b.topic(ch)))
	offsets := newOffsetTracker()
	ack := func(msg kafka.Message) func() {
		var once sync.Once
		return func() {
			once.Do(func() {
				if err := offsets.done(ctx, reader, msg); err != nil {
					log.Warn("offset commit failed", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
				}
			})
		}
	}
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("fetch: %w", err)
		}
		offsets.track(msg)
		env, err := Unmarshal(msg.Value)
		if err != nil {
			log.Warn("dropping malformed envelope", zap.Int64("offset", msg.Offset), zap.Error(err))
			ack(msg)()
			continue
		}
		if err := h(ctx, env, ack(msg)); err != nil {
			log.Warn("handler failed, envelope will be redelivered",
				zap.String("envelope_id", env.ID), zap.String("kind", string(env.Kind)), zap.Error(err))
			// Rejoin so the uncommitted offset is fetched again.
			return fmt.Errorf("handle %s: %w", env.ID, err)
		}
	}
}

func (b *KafkaBus) forget(r kafkaReader) {
	b.mu.Lock()
	for i, have := range b.readers {
		if have == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	_ = r.Close()
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

// offsetTracker commits, per partition, the highest offset below which
// every fetched message has been acknowledged. Commits never move back.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets

	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionOffsets struct {
	fetched []int64
	acked   map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets), committed: make(map[int]int64)}
}

func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}
	p.fetched = append(p.fetched, msg.Offset)
}

// advance marks msg acknowledged and returns the last message of the
// acknowledged prefix of its partition, if that prefix grew.
func (t *offsetTracker) advance(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.acked[msg.Offset] = msg
	var last kafka.Message
	moved := false
	for len(p.fetched) > 0 {
		head, ok := p.acked[p.fetched[0]]
		if !ok {
			break
		}
		delete(p.acked, p.fetched[0])
		p.fetched = p.fetched[1:]
		last, moved = head, true
	}
	return last, moved
}

func (t *offsetTracker) done(ctx context.Context, r kafkaReader, msg kafka.Message) error {
	last, ok := t.advance(msg)
	if !ok {
		return nil
	}
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if prev, ok := t.committed[last.Partition]; ok && prev >= last.Offset {
		return nil
	}
	if err := r.CommitMessages(ctx, last); err != nil {
		return err
	}
	t.committed[last.Partition] = last.Offset
	return nil
}
