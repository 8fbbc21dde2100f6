// Package redisbus implements [bus.Bus] over Redis pub/sub, the
// cross-instance coordination transport for multi-node musicr deployments.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cfiorelli/musicr/internal/bus"
)

// Bus fans out messages across every musicr instance subscribed to the same
// Redis server via PUBLISH/SUBSCRIBE.
type Bus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// Compile-time interface assertion.
var _ bus.Bus = (*Bus)(nil)

// Dial connects to the Redis server at url (e.g. "redis://localhost:6379/0")
// and verifies connectivity with a PING before returning.
func Dial(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisbus: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	return &Bus{client: client, subs: make(map[string]*redis.PubSub)}, nil
}

// Publish sends payload to channel via Redis PUBLISH.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Subscribe opens a Redis SUBSCRIBE on channel and relays incoming messages
// until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[channel] = pubsub
	b.mu.Unlock()

	out := make(chan bus.Message, 32)
	go func() {
		defer close(out)
		defer pubsub.Close()
		redisCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- bus.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					slog.Warn("redisbus: subscriber backpressure, dropping message", "channel", channel)
				}
			}
		}
	}()

	return out, nil
}

// Close closes all active subscriptions and the underlying Redis client.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, pubsub := range b.subs {
		_ = pubsub.Close()
	}
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}
