// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/tutorrisk/pkg/logger"
)

const instrumentationName = "github.com/okian/tutorrisk"

// Config selects the exporter. Empty Exporter disables tracing.
type Config struct {
	ServiceName string
	Version     string
	Environment string
	// Exporter is one of "", "stdout", "otlphttp", "otlpgrpc".
	Exporter    string
	Endpoint    string
	SampleRatio float64
}

// ConfigFromEnv reads OTEL_ENABLED, OTEL_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
// and OTEL_SAMPLER_RATIO.
func ConfigFromEnv(service, version string) Config {
	cfg := Config{ServiceName: service, Version: version, SampleRatio: 0.1}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED"))) {
	case "1", "true", "yes", "on":
	default:
		return cfg
	}
	cfg.Exporter = strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER")))
	if cfg.Exporter == "" {
		cfg.Exporter = "otlphttp"
	}
	cfg.Endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Environment = os.Getenv("APP_ENV")
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLER_RATIO"), 64); err == nil {
		cfg.SampleRatio = min(max(v, 0), 1)
	}
	return cfg
}

var (
	initOnce sync.Once
	shutdown = func(context.Context) error { return nil }
)

// Init installs the global tracer provider once and returns its shutdown func.
// With no exporter configured the no-op provider stays in place.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		if cfg.Exporter == "" {
			return
		}
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			initErr = fmt.Errorf("tracing exporter: %w", err)
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
			attribute.String("deployment.environment", cfg.Environment),
		))
		if err != nil {
			logger.Get().Warn(ctx, "otel resource init failed (continuing)", logger.Error(err))
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		logger.Get().Info(ctx, "otel tracing initialized",
			logger.String("exporter", cfg.Exporter),
			logger.String("endpoint", cfg.Endpoint),
		)
	})
	return shutdown, initErr
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlphttp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "otlpgrpc":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

// Start opens a span on the package tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
