// Package observer provides OTEL-based observability for conduit runs.
//
// It wraps Provider and Tool with instrumented versions that emit traces,
// metrics, and logs via OpenTelemetry, and exposes a Tracer for the
// runtime's span seam. Export targets are configured through the standard
// OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT and friends).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/conduit/observer"

// Instruments holds the OTEL instruments shared by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	ModelRequests metric.Int64Counter
	ModelDuration metric.Float64Histogram

	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram

	RunExecutions metric.Int64Counter
	RunDuration   metric.Float64Histogram

	Cost *CostCalculator
}

// Init installs global OTEL trace, metric, and log providers backed by OTLP
// HTTP exporters and returns the instrument set plus a shutdown function.
// The shutdown function flushes all three pipelines and must be called on
// application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("conduit")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Each provider that comes up successfully registers a shutdown hook so
	// a failure partway through tears down the ones already installed.
	var shutdowns []func(context.Context) error
	teardown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	shutdowns = append(shutdowns, tp.Shutdown)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	shutdowns = append(shutdowns, lp.Shutdown)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, err
	}
	return inst, teardown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		return h
	}

	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),

		TokenUsage:    counter("llm.token.usage", "Total tokens consumed", "{token}"),
		ModelRequests: counter("llm.requests", "Model request count", "{request}"),
		ModelDuration: histogram("llm.duration", "Model call duration"),

		ToolExecutions: counter("tool.executions", "Tool execution count", "{execution}"),
		ToolDuration:   histogram("tool.duration", "Tool execution duration"),

		RunExecutions: counter("run.executions", "Agent run count", "{run}"),
		RunDuration:   histogram("run.duration", "Agent run duration"),

		Cost: NewCostCalculator(pricing),
	}
	if err == nil {
		inst.CostTotal, err = meter.Float64Counter("llm.cost.total",
			metric.WithDescription("Cumulative model cost in USD"),
			metric.WithUnit("USD"))
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}
