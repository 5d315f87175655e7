// Package observer provides OTEL-based observability for the penguin
// runtime.
//
// It configures trace, metric, and log providers with OTLP HTTP
// exporters and exposes instruments for the engine loop, tool dispatch,
// permission decisions, and workflow transitions. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
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

const scopeName = "github.com/penguin-agent/penguin/observer"

// Instruments holds the OTEL instruments the runtime records against.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage          metric.Int64Counter
	LLMRequests         metric.Int64Counter
	EngineIterations    metric.Int64Counter
	ToolExecutions      metric.Int64Counter
	PermissionDenials   metric.Int64Counter
	WorkflowTransitions metric.Int64Counter

	// Histograms
	LLMDuration   metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
	PhaseDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "penguin"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
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

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(
		otel.Tracer(scopeName),
		otel.Meter(scopeName),
		global.GetLoggerProvider().Logger(scopeName),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

func newInstruments(tracer trace.Tracer, meter metric.Meter, logger otellog.Logger) (*Instruments, error) {
	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	engineIterations, err := meter.Int64Counter("engine.iterations",
		metric.WithDescription("Reasoning loop iteration count"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	permissionDenials, err := meter.Int64Counter("permission.denials",
		metric.WithDescription("Permission checks resolved as DENY"),
		metric.WithUnit("{check}"))
	if err != nil {
		return nil, err
	}

	workflowTransitions, err := meter.Int64Counter("workflow.transitions",
		metric.WithDescription("Workflow status transition count"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	phaseDuration, err := meter.Float64Histogram("workflow.phase.duration",
		metric.WithDescription("Workflow phase duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		TokenUsage:          tokenUsage,
		LLMRequests:         llmRequests,
		EngineIterations:    engineIterations,
		ToolExecutions:      toolExecutions,
		PermissionDenials:   permissionDenials,
		WorkflowTransitions: workflowTransitions,
		LLMDuration:         llmDuration,
		ToolDuration:        toolDuration,
		PhaseDuration:       phaseDuration,
	}, nil
}
