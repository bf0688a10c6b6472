package observability

import (
	"context"
	"time"

	"artmarket-notifier/internal/common/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records sweep-level instruments through an otel meter whose
// readings are exported on the default prometheus registry.
type Observability struct {
	meterProvider *metric.MeterProvider
	sweepCounter  otelmetric.Int64Counter
	sweepDuration otelmetric.Float64Histogram
	rowsCounter   otelmetric.Int64Counter
}

// New never fails: when the exporter cannot be created it returns an
// Observability whose Record methods are no-ops.
func New(serviceName string, log logger.Logger) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Warn("failed to create prometheus exporter", map[string]interface{}{"error": err.Error()})
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	sweepCounter, _ := meter.Int64Counter(
		"dispatch.sweeps",
		otelmetric.WithDescription("Number of dispatch sweeps"),
	)

	sweepDuration, _ := meter.Float64Histogram(
		"dispatch.sweep.duration",
		otelmetric.WithDescription("Dispatch sweep duration"),
		otelmetric.WithUnit("ms"),
	)

	rowsCounter, _ := meter.Int64Counter(
		"dispatch.rows",
		otelmetric.WithDescription("Queue rows handled by sweeps, by outcome"),
	)

	return &Observability{
		meterProvider: provider,
		sweepCounter:  sweepCounter,
		sweepDuration: sweepDuration,
		rowsCounter:   rowsCounter,
	}
}

func (o *Observability) RecordSweep(ctx context.Context, dispatcher, status string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("dispatcher", dispatcher),
		attribute.String("status", status),
	)
	if o.sweepCounter != nil {
		o.sweepCounter.Add(ctx, 1, attrs)
	}
	if o.sweepDuration != nil {
		o.sweepDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordRows(ctx context.Context, dispatcher, outcome string, n int) {
	if o == nil || o.rowsCounter == nil || n == 0 {
		return
	}
	o.rowsCounter.Add(ctx, int64(n), otelmetric.WithAttributes(
		attribute.String("dispatcher", dispatcher),
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) Shutdown() {
	if o == nil || o.meterProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.meterProvider.Shutdown(ctx)
}
