package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vinayprograms/taskmem/config"
)

// DefaultServiceName is the resource service name when none is configured.
const DefaultServiceName = "taskmem"

// Resource attributes describing how a serving process is wired.
const (
	AttrStoreBackend    = attribute.Key("taskmem.store.backend")
	AttrPassagesBackend = attribute.Key("taskmem.passages.backend")
	AttrBusBackend      = attribute.Key("taskmem.bus.backend")
	AttrBusPrefix       = attribute.Key("taskmem.bus.prefix")
	AttrArchiveCapacity = attribute.Key("taskmem.archive.capacity")
)

// ProviderConfig configures OTLP trace export.
type ProviderConfig struct {
	ServiceName string
	// Endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	// Protocol is grpc (default) or http.
	Protocol string
	Insecure bool
	// Debug records task prompts on spans.
	Debug bool
	// SampleRatio below one samples that fraction of root spans.
	SampleRatio float64
	Attributes  []attribute.KeyValue
}

// ProviderConfigFrom maps the telemetry section of cfg and tags the
// resource with the configured backends and archive capacity. Prompts go
// on spans only at debug log level.
func ProviderConfigFrom(cfg *config.Config) ProviderConfig {
	t := cfg.Telemetry
	return ProviderConfig{
		ServiceName: t.ServiceName,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
		Debug:       strings.EqualFold(cfg.Logging.Level, "debug"),
		SampleRatio: t.SampleRatio,
		Attributes: []attribute.KeyValue{
			AttrStoreBackend.String(cfg.Store.Backend),
			AttrPassagesBackend.String(cfg.Passages.Backend),
			AttrBusBackend.String(cfg.Bus.Backend),
			AttrBusPrefix.String(cfg.Bus.Prefix),
			AttrArchiveCapacity.Int(cfg.Archive.Capacity),
		},
	}
}

// Enabled reports whether an OTLP endpoint is configured.
func (c ProviderConfig) Enabled() bool {
	return c.endpoint() != ""
}

func (c ProviderConfig) endpoint() string {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	ep = strings.TrimPrefix(ep, "http://")
	return strings.TrimPrefix(ep, "https://")
}

func (c ProviderConfig) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return DefaultServiceName
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider installs a batching OTLP tracer provider as the global
// provider and sets the W3C propagators. The caller must Shutdown it.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.endpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg.Protocol, endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(cfg.serviceName(), cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// newResource builds the span resource. OTEL_SERVICE_NAME and
// OTEL_RESOURCE_ATTRIBUTES override configured values.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{semconv.ServiceName(cfg.serviceName())}, cfg.Attributes...)
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
	)
}

func newSpanExporter(ctx context.Context, protocol, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q (use grpc or http)", protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", protocol, err)
	}
	return exp, nil
}

// Tracer returns the task tracer bound to this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
