package sender

import (
	"context"

	"github.com/honeycombio/beeline-go"
	beelinetrace "github.com/honeycombio/beeline-go/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
)

// HoneycombConfig configures the beeline.
type HoneycombConfig struct {
	APIKey  string
	APIHost string
	Dataset string
	Debug   bool
	// STDOUT prints events instead of sending them.
	STDOUT bool
}

// Honeycomb sends spans as beeline events. The beeline has a single global
// service name, so each span also carries its service's identity fields.
type Honeycomb struct{}

var _ Sender = (*Honeycomb)(nil)

func NewHoneycomb(cfg HoneycombConfig) *Honeycomb {
	beeline.Init(beeline.Config{
		WriteKey:    cfg.APIKey,
		APIHost:     cfg.APIHost,
		Dataset:     cfg.Dataset,
		ServiceName: "otel-demo-service",
		Debug:       cfg.Debug,
		STDOUT:      cfg.STDOUT,
	})
	return &Honeycomb{}
}

func (t *Honeycomb) StartSpan(ctx context.Context, svc *identity.ServiceNode, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := beeline.StartSpan(ctx, name)
	for k, v := range svc.Fields() {
		span.AddField(k, v)
	}
	span.AddField("span.kind", kind.String())
	hs := &honeycombSpan{span: span}
	hs.SetAttributes(attrs...)
	return ctx, hs
}

func (t *Honeycomb) Flush(ctx context.Context) error {
	beeline.Flush(ctx)
	return nil
}

func (t *Honeycomb) Close(ctx context.Context) error {
	beeline.Flush(ctx)
	beeline.Close()
	return nil
}

type honeycombSpan struct {
	span   *beelinetrace.Span
	failed bool
}

func (s *honeycombSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.span.AddField(string(a.Key), a.Value.AsInterface())
	}
}

func (s *honeycombSpan) SetError(msg string) {
	s.failed = true
	s.span.AddField("status_code", "ERROR")
	s.span.AddField("status_message", msg)
}

func (s *honeycombSpan) Send() {
	if !s.failed {
		s.span.AddField("status_code", "OK")
	}
	s.span.Send()
}
