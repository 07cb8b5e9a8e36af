// Package fastkv wraps the Redis operations used to consume transient
// task and service hashes: keyspace subscriptions, SCAN, HGETALL, EXISTS and DEL.
package fastkv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HashStore is the subset of the key-value store the reconciler needs.
type HashStore interface {
	// HGetAll returns every field of the hash at key. A missing key
	// yields an empty map and no error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
}

// PubSub is a pattern subscription.
type PubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// scanCount is the COUNT hint for each SCAN round trip.
const scanCount = 100

// Subscriber opens pattern subscriptions.
type Subscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) PubSub
	// ScanKeys lists the keys matching a glob pattern. Hashes written while
	// nobody was subscribed are only found this way.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// DB is the logical database whose keyspace channels are watched.
	DB() int
}

// Compile-time interface checks.
var (
	_ HashStore  = (*Redis)(nil)
	_ Subscriber = (*Redis)(nil)
)

// Redis is a HashStore and Subscriber backed by a Redis server.
type Redis struct {
	client *redis.Client
	db     int
}

// NewRedis creates a client for a redis:// URL. No connection is made
// until the first command.
func NewRedis(address string) (*Redis, error) {
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &Redis{
		client: redis.NewClient(options),
		db:     options.DB,
	}, nil
}

// Client returns the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// DB returns the selected logical database.
func (r *Redis) DB() int {
	return r.db
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// EnableKeyspaceNotifications turns on keyspace events for hash and
// generic commands. Managed Redis offerings often forbid CONFIG, so
// callers treat a failure as a warning.
func (r *Redis) EnableKeyspaceNotifications(ctx context.Context) error {
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Khg").Err(); err != nil {
		return fmt.Errorf("enabling keyspace notifications: %w", err)
	}

	return nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}

	return fields, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}

	return n > 0, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}

	return nil
}

func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}

	return keys, nil
}

func (r *Redis) PSubscribe(ctx context.Context, patterns ...string) PubSub {
	return r.client.PSubscribe(ctx, patterns...)
}

// Close closes the client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}

	return r.client.Close()
}
