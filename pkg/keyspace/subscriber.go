// Package keyspace turns Redis keyspace notifications for transient task
// and service hashes into classified keys.
package keyspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/sirupsen/logrus"
)

// writeEvents are the keyspace events that mean a producer wrote a hash.
var writeEvents = map[string]struct{}{
	"hset":    {},
	"hmset":   {},
	"hsetnx":  {},
	"hincrby": {},
}

// Handler receives every classified write notification. It is called
// from the subscription goroutine and must not block for long.
type Handler func(ctx context.Context, key Key)

// Subscriber watches the keyspace channels of the task and service
// prefixes and dispatches write notifications to a Handler.
type Subscriber struct {
	log      logrus.FieldLogger
	source   fastkv.Subscriber
	prefixes Prefixes
	handler  Handler
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(
	log logrus.FieldLogger,
	source fastkv.Subscriber,
	prefixes Prefixes,
	handler Handler,
) *Subscriber {
	return &Subscriber{
		log:      log.WithField("component", "keyspace"),
		source:   source,
		prefixes: prefixes,
		handler:  handler,
	}
}

// Run subscribes and dispatches until ctx is cancelled or the
// subscription channel closes. A single bad notification never ends it.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.source == nil {
		return errors.New("keyspace source is nil")
	}

	patterns := s.prefixes.Patterns(s.source.DB())

	pubSub := s.source.PSubscribe(ctx, patterns...)
	if pubSub == nil {
		return fmt.Errorf("psubscribe %v failed", patterns)
	}

	defer func() {
		_ = pubSub.Close()
	}()

	s.log.WithField("patterns", patterns).Info("Subscribed to keyspace notifications")

	messages := pubSub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				s.log.Warn("Keyspace subscription closed")

				return nil
			}

			if _, isWrite := writeEvents[msg.Payload]; !isWrite {
				continue
			}

			key, err := s.prefixes.ParseChannel(msg.Channel)
			if err != nil {
				s.log.WithError(err).
					WithField("channel", msg.Channel).
					Warn("Ignoring keyspace notification")

				continue
			}

			s.dispatch(ctx, key)
		}
	}
}

// dispatch isolates handler panics so one notification cannot end the
// subscription.
func (s *Subscriber) dispatch(ctx context.Context, key Key) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("key", key.Raw).
				WithField("panic", r).
				Error("Keyspace handler panicked")
		}
	}()

	s.handler(ctx, key)
}
