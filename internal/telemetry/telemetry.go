// Package telemetry wires tick/effect span and counter instrumentation
// for the daemon: OTLP trace/metric providers plus RED-pattern
// counters, inert unless an OTLP endpoint is configured.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects whether and where telemetry is exported. Enabled
// defaults to false: a world with no OTLPEndpoint runs with a no-op
// tracer/meter rather than failing to start.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Enabled      bool
	Insecure     bool
}

// Provider holds the kernel-cycle instrumentation points the host calls
// around each tick and each effect dispatch.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	tickCounter     metric.Int64Counter
	tickErrCounter  metric.Int64Counter
	tickDuration    metric.Float64Histogram
	intentsEnqueued metric.Int64Counter
	receiptsHandled metric.Int64Counter
}

// New builds a Provider. When cfg.Enabled is false the returned Provider
// is a safe no-op: every method is nil-receiver-checked.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	p := &Provider{}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(p.tracerProvider)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("agentos.kernel")
	p.meter = otel.Meter("agentos.kernel")

	if p.tickCounter, err = p.meter.Int64Counter("agentos.kernel.ticks",
		metric.WithDescription("Total kernel ticks executed"), metric.WithUnit("{tick}")); err != nil {
		return nil, err
	}
	if p.tickErrCounter, err = p.meter.Int64Counter("agentos.kernel.tick_errors",
		metric.WithDescription("Ticks that returned an error"), metric.WithUnit("{tick}")); err != nil {
		return nil, err
	}
	if p.tickDuration, err = p.meter.Float64Histogram("agentos.kernel.tick_duration",
		metric.WithDescription("Tick wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if p.intentsEnqueued, err = p.meter.Int64Counter("agentos.effect.intents_enqueued",
		metric.WithDescription("Effect intents enqueued"), metric.WithUnit("{intent}")); err != nil {
		return nil, err
	}
	if p.receiptsHandled, err = p.meter.Int64Counter("agentos.effect.receipts_handled",
		metric.WithDescription("Effect receipts correlated"), metric.WithUnit("{receipt}")); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and closes the exporters, if any were started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}

// TrackTick wraps one kernel.Tick call with a span and the tick-rate/
// duration/error RED metrics. Call the returned func with the tick's
// error (nil on success) when it returns.
func (p *Provider) TrackTick(ctx context.Context) (context.Context, func(error)) {
	if p == nil || p.tracer == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "kernel.tick", trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		p.tickCounter.Add(ctx, 1)
		p.tickDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			p.tickErrCounter.Add(ctx, 1)
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordIntentEnqueued counts one effect intent leaving the effect
// manager, tagged by kind.
func (p *Provider) RecordIntentEnqueued(ctx context.Context, kind string) {
	if p == nil || p.intentsEnqueued == nil {
		return
	}
	p.intentsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("effect.kind", kind)))
}

// RecordReceiptHandled counts one receipt correlated back to its intent,
// tagged by adapter id and status.
func (p *Provider) RecordReceiptHandled(ctx context.Context, adapterID, status string) {
	if p == nil || p.receiptsHandled == nil {
		return
	}
	p.receiptsHandled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("adapter.id", adapterID), attribute.String("receipt.status", status)))
}
