package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	dispatchCounter metric.Int64Counter
	blockedCounter  metric.Int64Counter
	failedCounter   metric.Int64Counter
	probeFailures   metric.Int64Counter
	payloadCounter  metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var (
		exporter       sdktrace.SpanExporter
		metricExporter sdkmetric.Exporter
	)

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp

		metricExporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)

	t, err := newInstruments(mp.Meter(cfg.ServiceName))
	if err != nil {
		return nil, err
	}
	t.tracerProvider = tp
	t.meterProvider = mp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	dispatchCounter, err := meter.Int64Counter("wafcompare.dispatches.total",
		metric.WithDescription("Completed dispatches, including failed ones"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	blockedCounter, err := meter.Int64Counter("wafcompare.dispatches.blocked",
		metric.WithDescription("Dispatches classified as blocked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failedCounter, err := meter.Int64Counter("wafcompare.dispatches.failed",
		metric.WithDescription("Dispatches that exhausted every attempt"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	probeFailures, err := meter.Int64Counter("wafcompare.probe.failures",
		metric.WithDescription("Connectivity probe failures by phase"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	payloadCounter, err := meter.Int64Counter("wafcompare.fanout.payloads",
		metric.WithDescription("Payloads handed to the fan-out engine"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		meter:           meter,
		dispatchCounter: dispatchCounter,
		blockedCounter:  blockedCounter,
		failedCounter:   failedCounter,
		probeFailures:   probeFailures,
		payloadCounter:  payloadCounter,
	}, nil
}

func (t *telemetry) RecordDispatch(ctx context.Context, waf string, result types.DispatchResult) {
	attrs := metric.WithAttributes(
		attribute.String("waf.name", waf),
		attribute.String("dispatch.outcome", string(result.Outcome())),
	)

	t.dispatchCounter.Add(ctx, 1, attrs)
	switch result.Outcome() {
	case types.OutcomeBlocked:
		t.blockedCounter.Add(ctx, 1, attrs)
	case types.OutcomeFailed:
		t.failedCounter.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) RecordProbeFailure(ctx context.Context, waf string, phase string) {
	t.probeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("waf.name", waf),
		attribute.String("probe.phase", phase),
	))
}

func (t *telemetry) RecordFanOut(ctx context.Context, waf string, dataset string, payloads int) {
	t.payloadCounter.Add(ctx, int64(payloads), metric.WithAttributes(
		attribute.String("waf.name", waf),
		attribute.String("dataset", dataset),
	))
}

// Close flushes pending metrics and spans.
func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// NewNoop returns a Telemetry that records nothing.
func NewNoop() core.Telemetry {
	return &noopTelemetry{}
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordDispatch(ctx context.Context, waf string, result types.DispatchResult) {}
func (n *noopTelemetry) RecordProbeFailure(ctx context.Context, waf string, phase string)            {}
func (n *noopTelemetry) RecordFanOut(ctx context.Context, waf string, dataset string, payloads int)  {}
func (n *noopTelemetry) Close() error                                                                { return nil }
