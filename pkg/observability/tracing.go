// Package observability wires OpenTelemetry tracing into the pipeline.
// Each stage execution becomes a span named "<processor>.<stage>".
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/ajitpratap0/streamcore"

var (
	mu       sync.RWMutex
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	provider *sdktrace.TracerProvider
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string        `mapstructure:"serviceName" yaml:"serviceName"`
	ServiceVersion string        `mapstructure:"serviceVersion" yaml:"serviceVersion"`
	Environment    string        `mapstructure:"environment" yaml:"environment"`
	SamplingRate   float64       `mapstructure:"samplingRate" yaml:"samplingRate"`
	BatchTimeout   time.Duration `mapstructure:"batchTimeout" yaml:"batchTimeout"`
}

// DefaultTracingConfig returns tracing disabled with sane batch settings
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "streamcore",
		ServiceVersion: "dev",
		Environment:    "development",
		SamplingRate:   0.01,
		BatchTimeout:   5 * time.Second,
	}
}

// InitTracing installs a global tracer provider. When tracing is disabled
// the no-op tracer stays in place and spans cost nothing.
func InitTracing(cfg *TracingConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return InitTracingWithExporter(cfg, exporter)
}

// InitTracingWithExporter is InitTracing with a caller-supplied exporter
func InitTracingWithExporter(cfg *TracingConfig, exporter sdktrace.SpanExporter) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	mu.Lock()
	provider = tp
	tracer = tp.Tracer(instrumentationName)
	mu.Unlock()
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was installed
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// GetTracer returns the current tracer
func GetTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// StageTracer creates spans for the stages of one processor
type StageTracer struct {
	processor string
}

// NewStageTracer creates a tracer for the named processor
func NewStageTracer(processor string) *StageTracer {
	return &StageTracer{processor: processor}
}

// TraceStage runs fn inside a span and records its outcome
func (st *StageTracer) TraceStage(ctx context.Context, stage, eventID string, fn func(context.Context) error) error {
	ctx, span := GetTracer().Start(ctx, st.processor+"."+stage,
		trace.WithAttributes(
			attribute.String("processor", st.processor),
			attribute.String("stage", stage),
			attribute.String("event.id", eventID),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}
