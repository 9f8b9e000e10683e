// Package tracing configures the agent's OpenTelemetry pipeline and
// offers a tiny span helper so instrumented call sites stay terse.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "mdsagent"

// Config selects and tunes the exporter.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	ServiceName  string        `yaml:"service_name"`
	Environment  string        `yaml:"environment"`
	Exporter     string        `yaml:"exporter"` // "otlp", "jaeger"
	Endpoint     string        `yaml:"endpoint"`
	SampleRate   float64       `yaml:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Manager owns the tracer provider lifecycle.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
}

// NewManager builds the provider. Disabled tracing installs a noop
// tracer so call sites never branch.
func NewManager(config Config, logger *logrus.Logger) (*Manager, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mdsagent"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 5 * time.Second
	}

	m := &Manager{config: config, logger: logger}
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return m, nil
	}

	exporter, err := m.createExporter()
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"exporter": config.Exporter,
		"endpoint": config.Endpoint,
	}).Info("Tracing initialized")
	return m, nil
}

func (m *Manager) createExporter() (sdktrace.SpanExporter, error) {
	switch m.config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(m.config.Endpoint)))
	default:
		var opts []otlptracehttp.Option
		if m.config.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(m.config.Endpoint))
		}
		return otlptracehttp.New(context.Background(), opts...)
	}
}

// Shutdown flushes and stops the provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
