package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus is the cross-instance broadcast channel the relay fans out over. Any
// topic-based pub/sub with at-most-once local delivery satisfies it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a receive channel for the topic and a cancel func
	// that drops the subscription and closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus constructs a bus over the shared Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// MemoryBus is an in-process Bus for tests and single-instance deployments.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish implements Bus. Slow subscribers are skipped, not buffered.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[channel]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel, nil
}
