// Package metrics records reconciliation counters with OpenTelemetry and
// optionally exports them over OTLP gRPC.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aiverify/apigw-worker/pkg/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/aiverify/apigw-worker"

// Outcomes of one reconciled notification.
const (
	OutcomeApplied   = "applied"
	OutcomeDiscarded = "discarded"
	OutcomeMissing   = "missing"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
)

// Recorder records worker metrics. The zero value is not usable; use
// New, NewWithMeterProvider or Noop.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	notifications   metric.Int64Counter
	coalesced       metric.Int64Counter
	publishFailures metric.Int64Counter
	duration        metric.Float64Histogram
}

// Noop returns a Recorder that drops every measurement.
func Noop() *Recorder {
	r, _ := NewWithMeterProvider(noop.NewMeterProvider())

	return r
}

// New creates a Recorder from cfg. When metrics are disabled it returns a
// Noop recorder.
func New(ctx context.Context, log logrus.FieldLogger, cfg *config.MetricsConfig) (*Recorder, error) {
	log = log.WithField("component", "metrics")

	if !cfg.Enabled {
		log.Debug("Metrics disabled")

		return Noop(), nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Interval),
		)),
	)

	r, err := NewWithMeterProvider(provider)
	if err != nil {
		return nil, err
	}

	r.provider = provider

	log.WithFields(logrus.Fields{
		"endpoint": cfg.OTLPEndpoint,
		"interval": cfg.Interval,
	}).Info("Metrics export enabled")

	return r, nil
}

// NewWithMeterProvider creates a Recorder on an existing provider.
func NewWithMeterProvider(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(meterName)
	r := &Recorder{}

	var err error

	r.notifications, err = meter.Int64Counter("apigw.notifications",
		metric.WithDescription("Reconciled keyspace notifications by kind and outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating notifications counter: %w", err)
	}

	r.coalesced, err = meter.Int64Counter("apigw.notifications.coalesced",
		metric.WithDescription("Notifications merged into one already pending for the same key"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating coalesced counter: %w", err)
	}

	r.publishFailures, err = meter.Int64Counter("apigw.publish.failures",
		metric.WithDescription("Events that could not be published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish failures counter: %w", err)
	}

	r.duration, err = meter.Float64Histogram("apigw.reconcile.duration",
		metric.WithDescription("Time spent reconciling one notification"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return r, nil
}

// Notification records a reconciled notification.
func (r *Recorder) Notification(ctx context.Context, kind, outcome string, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)

	r.notifications.Add(ctx, 1, attrs)
	r.duration.Record(ctx, took.Seconds(), attrs)
}

// Coalesced records a notification merged into a pending one.
func (r *Recorder) Coalesced(ctx context.Context, kind string) {
	r.coalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// PublishFailure records an event that could not be published.
func (r *Recorder) PublishFailure(ctx context.Context, topic string) {
	r.publishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// Shutdown flushes and stops the exporter, if any.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.provider == nil {
		return nil
	}

	return r.provider.Shutdown(ctx)
}
