// Package reconciler applies decoded task and service responses to the
// document store, publishes the resulting events and removes the
// transient hash once it has been fully consumed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aiverify/apigw-worker/pkg/events"
	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/aiverify/apigw-worker/pkg/keylock"
	"github.com/aiverify/apigw-worker/pkg/keyspace"
	"github.com/aiverify/apigw-worker/pkg/metrics"
	"github.com/aiverify/apigw-worker/pkg/payload"
	"github.com/aiverify/apigw-worker/pkg/schema"
	"github.com/aiverify/apigw-worker/pkg/store"
)

// maxAttempts bounds how often a versioned write is retried after losing
// a race with another writer.
const maxAttempts = 3

// Reconciler owns every mutation of reports, datasets and model files
// driven by keyspace notifications.
type Reconciler struct {
	log       logrus.FieldLogger
	store     store.Store
	kv        fastkv.HashStore
	decoder   *payload.Decoder
	schemas   *schema.Registry
	publisher events.Publisher
	metrics   *metrics.Recorder
	locks     *keylock.Map
}

// New creates a Reconciler. A nil schemas registry only checks that
// outputs are non-empty objects; a nil recorder records nothing.
func New(
	log logrus.FieldLogger,
	st store.Store,
	kv fastkv.HashStore,
	schemas *schema.Registry,
	publisher events.Publisher,
	recorder *metrics.Recorder,
) *Reconciler {
	if schemas == nil {
		schemas = schema.NewRegistry()
	}

	if recorder == nil {
		recorder = metrics.Noop()
	}

	return &Reconciler{
		log:       log.WithField("component", "reconciler"),
		store:     st,
		kv:        kv,
		decoder:   payload.NewDecoder(kv),
		schemas:   schemas,
		publisher: publisher,
		metrics:   recorder,
		locks:     keylock.New(),
	}
}

// Reconcile processes the hash currently stored at key. Notifications for
// the same key are handled one at a time.
func (r *Reconciler) Reconcile(ctx context.Context, key keyspace.Key) error {
	start := time.Now()

	unlock := r.locks.Lock(key.Raw)
	defer unlock()

	outcome, err := r.reconcile(ctx, key)
	r.metrics.Notification(ctx, key.Kind.String(), outcome, time.Since(start))

	return err
}

func (r *Reconciler) reconcile(ctx context.Context, key keyspace.Key) (string, error) {
	if key.Kind == keyspace.KindService {
		exists, err := r.kv.Exists(ctx, key.Raw)
		if err != nil {
			return metrics.OutcomeFailed, fmt.Errorf("checking %s: %w", key.Raw, err)
		}

		if !exists {
			return metrics.OutcomeMissing, nil
		}
	}

	msg, err := r.decoder.Decode(ctx, key)

	switch {
	case errors.Is(err, payload.ErrNoPayload):
		return metrics.OutcomeMissing, nil
	case errors.Is(err, payload.ErrInvalidField) && key.Kind == keyspace.KindTask:
		r.log.WithError(err).WithField("key", key.Raw).Warn("Malformed task response")

		return r.reconcileTest(ctx, key.Raw, key.ReportID, key.TestID,
			func(test *store.Test) {
				test.Status = store.TestError
				test.ErrorMessages = fmt.Sprintf("unable to decode task response: %v", err)
			})
	case err != nil:
		return metrics.OutcomeFailed, fmt.Errorf("decoding %s: %w", key.Raw, err)
	}

	switch m := msg.(type) {
	case *payload.TaskResponse:
		return r.reconcileTest(ctx, m.Key, m.ReportID, m.TestID,
			func(test *store.Test) {
				r.applyTask(test, m)
			})
	case *payload.DatasetValidation:
		return r.reconcileDataset(ctx, m)
	case *payload.ModelValidation:
		return r.reconcileModel(ctx, m)
	default:
		return metrics.OutcomeFailed, fmt.Errorf("%w: %T", payload.ErrUnknownPayload, msg)
	}
}

// publish never fails the caller: the write it reports on already happened.
func (r *Reconciler) publish(ctx context.Context, topic string, body any) {
	if err := r.publisher.Publish(ctx, topic, body); err != nil {
		r.metrics.PublishFailure(ctx, topic)
		r.log.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
	}
}

func (r *Reconciler) cleanup(ctx context.Context, key string) {
	if err := r.kv.Del(ctx, key); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("Failed to delete transient hash")
	}
}

func notFoundOutcome(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return metrics.OutcomeNotFound
	}

	return metrics.OutcomeFailed
}
