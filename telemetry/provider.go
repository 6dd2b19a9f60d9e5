package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the service when neither ProviderConfig nor
// OTEL_SERVICE_NAME does.
const DefaultServiceName = "taskboard"

// ProviderConfig selects where lifecycle spans are exported.
type ProviderConfig struct {
	ServiceName    string // falls back to OTEL_SERVICE_NAME
	ServiceVersion string

	// Endpoint is host:port of the collector. A scheme prefix is
	// ignored. Falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	Protocol string // "grpc" (default) or "http"
	Insecure bool

	// SampleRatio is the share of root traces kept, in (0, 1].
	// Zero keeps every trace.
	SampleRatio float64

	// Debug records task descriptions on spans.
	Debug bool

	Headers       map[string]string
	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

func (c ProviderConfig) endpoint() string {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	for _, scheme := range []string{"http://", "https://"} {
		ep = strings.TrimPrefix(ep, scheme)
	}
	return ep
}

func (c ProviderConfig) serviceName() string {
	switch {
	case c.ServiceName != "":
		return c.ServiceName
	case os.Getenv("OTEL_SERVICE_NAME") != "":
		return os.Getenv("OTEL_SERVICE_NAME")
	}
	return DefaultServiceName
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Provider exports the spans of the process. Shut it down on exit or
// buffered spans are lost.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider starts OTLP export, installs it as the otel global with
// W3C propagation, and makes its Tracer the one GetTracer returns.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.endpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("no OTLP endpoint: set telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	exporter, err := dialExporter(ctx, cfg, endpoint)
	if err != nil {
		return nil, err
	}

	name := cfg.serviceName()
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exporter, batch...),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p := &Provider{tp: tp, tracer: NewTracerFrom(tp, name, cfg.Debug)}
	SetGlobalTracer(p.tracer)
	return p, nil
}

func dialExporter(ctx context.Context, cfg ProviderConfig, endpoint string) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry protocol %q: want grpc or http", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otlp %s exporter: %w", cfg.Protocol, err)
	}
	return exp, nil
}

// Tracer is the tracer bound to this provider.
func (p *Provider) Tracer() *Tracer { return p.tracer }

// Shutdown exports buffered spans and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error { return p.tp.Shutdown(ctx) }

func (p *Provider) ForceFlush(ctx context.Context) error { return p.tp.ForceFlush(ctx) }
