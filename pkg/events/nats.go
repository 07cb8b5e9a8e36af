package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConnection interface {
	Publish(string, []byte) error
	Subscribe(string, nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATSBus publishes events on NATS subjects named <prefix>.<topic>.
type NATSBus struct {
	conn   natsConnection
	prefix string
}

// Compile-time interface check.
var _ Bus = (*NATSBus)(nil)

// NewNATSBus connects to the NATS server at address.
func NewNATSBus(address, prefix string) (*NATSBus, error) {
	if address == "" {
		address = nats.DefaultURL
	}

	conn, err := nats.Connect(address, nats.Name("apigw-worker"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSBus{conn: &natsConnectionAdapter{conn}, prefix: prefix}, nil
}

func (b *NATSBus) subject(topic string) string {
	if b.prefix == "" {
		return topic
	}

	return b.prefix + "." + topic
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload any) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := b.conn.Publish(b.subject(topic), raw); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}

	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, fmt.Errorf("nats bus is nil")
	}

	out := make(chan Event, subscriberBuffer)

	var (
		stopped         int32
		mu              sync.RWMutex
		unsubscribeOnce sync.Once
		sub             natsSubscription
	)

	unsubscribe := func() {
		unsubscribeOnce.Do(func() {
			atomic.StoreInt32(&stopped, 1)

			if sub != nil {
				_ = sub.Unsubscribe()
			}

			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}

	// A single-token wildcard matches every topic under the prefix.
	sub, err := b.conn.Subscribe(b.subject(topic), func(msg *nats.Msg) {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}

		event, err := ParseEvent(msg.Data)
		if err != nil {
			return
		}

		mu.RLock()
		defer mu.RUnlock()

		if atomic.LoadInt32(&stopped) == 1 {
			return
		}

		select {
		case out <- event:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return out, unsubscribe, nil
}

func (b *NATSBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}

	return b.conn.Close()
}

type natsConnectionAdapter struct {
	*nats.Conn
}

func (a *natsConnectionAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	sub, err := a.Conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (a *natsConnectionAdapter) Close() error {
	a.Conn.Close()

	return nil
}
