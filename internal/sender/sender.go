// Package sender delivers simulated spans to a telemetry backend.
package sender

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
)

// Span is an open span. It is handed to the backend by Send and must not be
// touched afterwards.
type Span interface {
	SetAttributes(kv ...attribute.KeyValue)
	// SetError marks the span failed with the given message.
	SetError(msg string)
	// Send ends the span. A span without an error is marked Ok.
	Send()
}

// Sender starts spans on behalf of simulated services. The parent of a new
// span is whatever span ctx carries; a ctx with no span starts a new trace.
type Sender interface {
	StartSpan(ctx context.Context, svc *identity.ServiceNode, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, Span)
	// Flush pushes buffered spans to the backend.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
