// Package worker runs the keyspace subscription and feeds coalesced
// notifications to a bounded pool of reconcilers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aiverify/apigw-worker/pkg/coalesce"
	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/aiverify/apigw-worker/pkg/fastkv"
	"github.com/aiverify/apigw-worker/pkg/keyspace"
	"github.com/aiverify/apigw-worker/pkg/metrics"
	"github.com/aiverify/apigw-worker/pkg/store"
)

// Reconciler processes the hash behind one notification.
type Reconciler interface {
	Reconcile(ctx context.Context, key keyspace.Key) error
}

// Worker consumes keyspace notifications until stopped.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	// Pending returns the number of keys waiting to be reconciled.
	Pending() int
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log        logrus.FieldLogger
	cfg        *config.WorkerConfig
	source     fastkv.Subscriber
	prefixes   keyspace.Prefixes
	reconciler Reconciler
	metrics    *metrics.Recorder
	queue      *coalesce.Queue[keyspace.Key]

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	producers sync.WaitGroup
}

// New creates a Worker. A nil recorder records nothing.
func New(
	log logrus.FieldLogger,
	cfg *config.WorkerConfig,
	source fastkv.Subscriber,
	prefixes keyspace.Prefixes,
	reconciler Reconciler,
	recorder *metrics.Recorder,
) Worker {
	if recorder == nil {
		recorder = metrics.Noop()
	}

	return &worker{
		log:        log.WithField("component", "worker"),
		cfg:        cfg,
		source:     source,
		prefixes:   prefixes,
		reconciler: reconciler,
		metrics:    recorder,
		queue:      coalesce.New[keyspace.Key](cfg.CoalesceInterval),
	}
}

// Start launches the subscription and the worker pool in the background.
func (w *worker) Start(ctx context.Context) error {
	if w.cfg.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", w.cfg.Concurrency)
	}

	if w.cancel != nil {
		return errors.New("worker already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	subscriber := keyspace.NewSubscriber(w.log, w.source, w.prefixes, w.enqueue)

	w.wg.Add(1)
	w.producers.Add(2) //nolint:mnd // subscriber and rescan

	go func() {
		defer w.producers.Done()

		if err := subscriber.Run(runCtx); err != nil {
			w.log.WithError(err).Error("Keyspace subscriber stopped")
		}
	}()

	go func() {
		defer w.producers.Done()

		w.rescan(runCtx)
	}()

	go func() {
		defer w.wg.Done()

		w.process(runCtx)
	}()

	w.log.WithFields(logrus.Fields{
		"concurrency":       w.cfg.Concurrency,
		"coalesce_interval": w.cfg.CoalesceInterval,
	}).Info("Worker started")

	return nil
}

// Stop stops accepting notifications, reconciles everything still queued
// and waits for it to finish.
func (w *worker) Stop() error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()
	w.wg.Wait()

	w.log.Info("Worker stopped")

	return nil
}

func (w *worker) Pending() int {
	return w.queue.Len()
}

func (w *worker) enqueue(ctx context.Context, key keyspace.Key) {
	if merged := w.queue.Add(key.Raw, key); merged {
		w.metrics.Coalesced(ctx, key.Kind.String())
	}
}

// rescan enqueues hashes that were written before the subscription was
// live. Keyspace notifications are not redelivered, so without it a hash
// written during a restart would never be reconciled.
func (w *worker) rescan(ctx context.Context) {
	found := 0

	for _, pattern := range w.prefixes.KeyPatterns() {
		keys, err := w.source.ScanKeys(ctx, pattern)
		if err != nil {
			if ctx.Err() == nil {
				w.log.WithError(err).WithField("pattern", pattern).Warn("Failed to scan for existing keys")
			}

			continue
		}

		for _, raw := range keys {
			key, err := w.prefixes.ParseKey(raw)
			if err != nil {
				w.log.WithError(err).WithField("key", raw).Debug("Skipping unrecognised key")

				continue
			}

			w.enqueue(ctx, key)
			found++
		}
	}

	if found > 0 {
		w.log.WithField("keys", found).Info("Queued existing keys")
	}
}

// process drains the queue into a bounded pool. In-flight work runs on a
// context that outlives cancellation so a started write completes. Once
// cancelled and the producers have stopped, whatever is still queued is
// reconciled before process returns.
func (w *worker) process(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	workCtx := context.WithoutCancel(ctx)

	submit := func(key keyspace.Key) {
		g.Go(func() error {
			w.handle(workCtx, key)

			return nil
		})
	}

	w.queue.Run(ctx, func(_ context.Context, key keyspace.Key) {
		submit(key)
	})

	w.producers.Wait()

	leftover := w.queue.Drain()
	if len(leftover) > 0 {
		w.log.WithField("keys", len(leftover)).Info("Reconciling queued keys before stopping")
	}

	for _, key := range leftover {
		submit(key)
	}

	_ = g.Wait()
}

func (w *worker) handle(ctx context.Context, key keyspace.Key) {
	log := w.log.WithField("key", key.Raw)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Reconciliation panicked")
		}
	}()

	err := w.reconciler.Reconcile(ctx, key)

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		log.WithError(err).Warn("Document not found, notification dropped")
	default:
		log.WithError(err).Error("Failed to reconcile notification")
	}
}
