// Package standalone implements [bus.Bus] with no cross-instance transport:
// published messages fan out only to subscribers within the same process.
// This is the degraded mode musicr runs in when no coordination bus URL is
// configured, matching the system's "room is single-instance, everything
// still works" requirement.
package standalone

import (
	"context"
	"sync"

	"github.com/cfiorelli/musicr/internal/bus"
)

// Bus is an in-process, no-op-replication implementation of [bus.Bus].
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan bus.Message
	closed      bool
}

// Compile-time interface assertion.
var _ bus.Bus = (*Bus)(nil)

// New creates a standalone Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]chan bus.Message)}
}

// Publish delivers payload to every local subscriber of channel. Slow
// subscribers are dropped rather than blocking the publisher.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	msg := bus.Message{Channel: channel, Payload: payload}
	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel fed by local [Bus.Publish] calls on the same
// channel name. The returned channel closes when ctx is done or the bus is
// closed.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error) {
	ch := make(chan bus.Message, 32)
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				// Only a still-registered ch is closed here; Close has
				// already closed any channel it removed.
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

// Close marks the bus closed and closes every subscription channel; further
// publishes are silently dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for channel, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, channel)
	}
	return nil
}
