package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by Redis pub/sub. Every topic is namespaced with
// prefix, so several deployments can share one Redis.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps an existing client. The bus does not close the client.
func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish marshals payload to JSON and publishes it on prefix+topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if err := b.client.Publish(ctx, b.prefix+topic, []byte(raw)).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so a
// Publish issued afterwards is guaranteed to reach h.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	var ps *redis.PubSub
	if strings.HasSuffix(topic, "*") {
		ps = b.client.PSubscribe(ctx, b.prefix+topic)
	} else {
		ps = b.client.Subscribe(ctx, b.prefix+topic)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	subCtx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(subCtx, h, Message{
					Topic:   strings.TrimPrefix(m.Channel, b.prefix),
					Payload: []byte(m.Payload),
				})
			case <-subCtx.Done():
				cancel()
				return
			}
		}
	}()

	return cancel, nil
}

func (b *RedisBus) deliver(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", slog.String("topic", msg.Topic), slog.Any("panic", r))
		}
	}()
	h(ctx, msg)
}

// Close closes every subscription and waits for in-flight handlers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return nil
}
