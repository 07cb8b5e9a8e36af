package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus publishes events on Redis pub/sub channels named
// <prefix>:<topic>.
type RedisBus struct {
	client redisClient
	prefix string
}

// Compile-time interface check.
var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to the redis:// URL address.
func NewRedisBus(address, prefix string) (*RedisBus, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}

	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	return &RedisBus{client: &redisClientAdapter{Client: client}, prefix: prefix}, nil
}

func (b *RedisBus) channel(topic string) string {
	if b.prefix == "" {
		return topic
	}

	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, b.channel(topic), raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}

	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, fmt.Errorf("redis bus is nil")
	}

	channels := []string{b.channel(topic)}
	if topic == AnyTopic {
		channels = channels[:0]
		for _, t := range AllTopics {
			channels = append(channels, b.channel(t))
		}
	}

	pubSub := b.client.Subscribe(ctx, channels...)
	if pubSub == nil {
		return nil, nil, fmt.Errorf("subscribe failed")
	}

	rawCh := pubSub.Channel()
	out := make(chan Event, subscriberBuffer)
	unsubscribeOnce := sync.Once{}
	stop := make(chan struct{})

	unsubscribe := func() {
		unsubscribeOnce.Do(func() {
			_ = pubSub.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case rawMsg, ok := <-rawCh:
				if !ok {
					return
				}

				event, err := ParseEvent([]byte(rawMsg.Payload))
				if err != nil {
					continue
				}

				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	return out, unsubscribe, nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}

	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}

func (r *redisClientAdapter) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}

	return r.Client.Close()
}
