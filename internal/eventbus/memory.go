package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("eventbus: closed")

type subscriber struct {
	pattern string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryBus is an in-process Bus. Publish blocks while a subscriber's buffer
// is full, so no message is dropped for a live subscriber.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a MemoryBus. A nil logger uses slog.Default().
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Publish delivers payload to every subscriber whose pattern matches topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg := Message{Topic: topic, Payload: raw}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchTopic(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for h.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := b.seq.Add(1)
	sub := &subscriber{
		pattern: topic,
		ch:      make(chan Message, defaultChannelBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case msg := <-sub.ch:
				b.deliver(ctx, h, msg)
			case <-sub.done:
				return
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return cancel, nil
}

func (b *MemoryBus) deliver(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", slog.String("topic", msg.Topic), slog.Any("panic", r))
		}
	}()
	h(ctx, msg)
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
	return nil
}
