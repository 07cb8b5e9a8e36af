package fastkv

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface checks.
var (
	_ HashStore  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

// Memory is an in-process HashStore and Subscriber. Writes emit keyspace
// notifications on channel __keyspace@0__:<key> exactly like a Redis
// server configured with notify-keyspace-events Kh.
type Memory struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
	subs   []*memoryPubSub
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		hashes: make(map[string]map[string]string),
	}
}

// HSet writes fields into the hash at key and emits an hset notification.
func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) {
	m.mu.Lock()

	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		m.hashes[key] = hash
	}

	for k, v := range fields {
		hash[k] = v
	}

	m.mu.Unlock()

	m.notify(ctx, key, "hset")
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}

	return out, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.hashes[key]

	return ok, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.hashes[key]
	delete(m.hashes, key)
	m.mu.Unlock()

	if ok {
		m.notify(ctx, key, "del")
	}

	return nil
}

func (m *Memory) DB() int {
	return 0
}

// ScanKeys returns the matching keys in lexical order.
func (m *Memory) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string

	for key := range m.hashes {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}

		if ok {
			keys = append(keys, key)
		}
	}

	slices.Sort(keys)

	return keys, nil
}

func (m *Memory) PSubscribe(_ context.Context, patterns ...string) PubSub {
	ps := &memoryPubSub{
		patterns: patterns,
		messages: make(chan *redis.Message, 128),
	}

	m.mu.Lock()
	m.subs = append(m.subs, ps)
	m.mu.Unlock()

	return ps
}

func (m *Memory) notify(ctx context.Context, key, event string) {
	channel := fmt.Sprintf("__keyspace@%d__:%s", m.DB(), key)

	m.mu.RLock()
	subs := append([]*memoryPubSub{}, m.subs...)
	m.mu.RUnlock()

	for _, ps := range subs {
		ps.deliver(ctx, channel, event)
	}
}

type memoryPubSub struct {
	mu       sync.Mutex
	patterns []string
	messages chan *redis.Message
	closed   bool
}

func (p *memoryPubSub) deliver(ctx context.Context, channel, payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for _, pattern := range p.patterns {
		if ok, _ := path.Match(pattern, channel); !ok {
			continue
		}

		select {
		case p.messages <- &redis.Message{
			Channel: channel,
			Pattern: pattern,
			Payload: payload,
		}:
		case <-ctx.Done():
		}

		return
	}
}

func (p *memoryPubSub) Channel(...redis.ChannelOption) <-chan *redis.Message {
	return p.messages
}

func (p *memoryPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.messages)
	}

	return nil
}
