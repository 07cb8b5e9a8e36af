package events

import (
	"context"
	"fmt"
	"sync"
)

// AnyTopic subscribes to every topic.
const AnyTopic = "*"

const subscriberBuffer = 32

// MemoryBus delivers events in-process. Slow subscribers drop events
// rather than block publishers.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan Event
	closed    bool
	closeOnce sync.Once
}

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string][]chan Event),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload any) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()

		return fmt.Errorf("bus closed")
	}

	consumers := append([]chan Event{}, b.channels[topic]...)
	consumers = append(consumers, b.channels[AnyTopic]...)

	for _, ch := range consumers {
		select {
		case ch <- event:
		default:
		}
	}
	b.mu.RUnlock()

	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (<-chan Event, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}

	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil, nil, fmt.Errorf("bus closed")
	}

	b.channels[topic] = append(b.channels[topic], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.channels[topic]
		for i, candidate := range subscribers {
			if candidate == ch {
				b.channels[topic] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)

				return
			}
		}
	}

	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}

	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true

		for topic, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}

			delete(b.channels, topic)
		}
		b.mu.Unlock()
	})

	return nil
}
