package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

const instrumentationName = "github.com/wolfgangB33r/otel-demo-service"

// OTelConfig selects and tunes the OTLP exporter.
type OTelConfig struct {
	Protocol string // grpc or http
	Endpoint string // host:port
	Insecure bool
	Headers  map[string]string

	BatchTimeout       time.Duration
	ExportTimeout      time.Duration
	MaxQueueSize       int
	MaxExportBatchSize int
}

// OTelOption changes how an OTel sender is built.
type OTelOption func(*otelOptions)

type otelOptions struct {
	processor sdktrace.SpanProcessor
}

// WithSpanProcessor bypasses the OTLP exporter and delivers every span to sp.
func WithSpanProcessor(sp sdktrace.SpanProcessor) OTelOption {
	return func(o *otelOptions) { o.processor = sp }
}

// OTel sends spans through the OpenTelemetry SDK. Every simulated service gets
// its own TracerProvider so that its resource carries its identity; all
// providers share one span processor and exporter.
type OTel struct {
	mut       sync.Mutex
	processor sdktrace.SpanProcessor
	providers map[string]*sdktrace.TracerProvider
	tracers   map[string]trace.Tracer
	order     []string
	log       logger.Logger
}

var _ Sender = (*OTel)(nil)

func NewOTel(ctx context.Context, log logger.Logger, cfg OTelConfig, opts ...OTelOption) (*OTel, error) {
	var o otelOptions
	for _, opt := range opts {
		opt(&o)
	}

	sp := o.processor
	if sp == nil {
		var client otlptrace.Client
		switch cfg.Protocol {
		case "grpc":
			client = setupOTELGRPCClient(cfg)
		case "http":
			client = setupOTELHTTPClient(cfg)
		default:
			return nil, fmt.Errorf("unknown protocol: %s", cfg.Protocol)
		}
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failure configuring otel trace exporter: %w", err)
		}

		var bspOpts []sdktrace.BatchSpanProcessorOption
		if cfg.BatchTimeout != 0 {
			bspOpts = append(bspOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
		}
		if cfg.MaxQueueSize != 0 {
			bspOpts = append(bspOpts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
		}
		if cfg.MaxExportBatchSize != 0 {
			bspOpts = append(bspOpts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
		}
		if cfg.ExportTimeout != 0 {
			bspOpts = append(bspOpts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		sp = sdktrace.NewBatchSpanProcessor(exporter, bspOpts...)

		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			log.Warn("otel export: %v", err)
		}))
	}

	return &OTel{
		processor: sp,
		providers: make(map[string]*sdktrace.TracerProvider),
		tracers:   make(map[string]trace.Tracer),
		log:       log,
	}, nil
}

func (t *OTel) tracerFor(svc *identity.ServiceNode) trace.Tracer {
	t.mut.Lock()
	defer t.mut.Unlock()
	if tr, ok := t.tracers[svc.Name]; ok {
		return tr
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(t.processor),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, svc.Attributes()...)),
	)
	tr := tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(svc.Version))
	t.providers[svc.Name] = tp
	t.tracers[svc.Name] = tr
	t.order = append(t.order, svc.Name)
	return tr
}

func (t *OTel) StartSpan(ctx context.Context, svc *identity.ServiceNode, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracerFor(svc).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}

func (t *OTel) Flush(ctx context.Context) error {
	return t.processor.ForceFlush(ctx)
}

// Close flushes and shuts down every provider. The shared processor is shut
// down by the first provider; later shutdowns are no-ops.
func (t *OTel) Close(ctx context.Context) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	var errs []error
	if err := t.processor.ForceFlush(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, name := range t.order {
		if err := t.providers[name].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down provider for %s: %w", name, err))
		}
	}
	if len(t.order) == 0 {
		if err := t.processor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type otelSpan struct {
	span   trace.Span
	failed bool
}

func (s *otelSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.span.SetAttributes(kv...)
}

func (s *otelSpan) SetError(msg string) {
	s.failed = true
	s.span.SetStatus(codes.Error, msg)
}

func (s *otelSpan) Send() {
	if !s.failed {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

func setupOTELHTTPClient(cfg OTelConfig) otlptrace.Client {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithHeaders(cfg.Headers),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if cfg.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	} else {
		options = append(options, otlptracehttp.WithTLSClientConfig(&tls.Config{}))
	}
	return otlptracehttp.NewClient(options...)
}

func setupOTELGRPCClient(cfg OTelConfig) otlptrace.Client {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithHeaders(cfg.Headers),
		otlptracegrpc.WithCompressor(gzip.Name),
	}
	if cfg.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	} else {
		options = append(options, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.NewClient(options...)
}
