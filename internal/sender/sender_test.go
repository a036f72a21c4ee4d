package sender

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
)

func services() (*identity.ServiceNode, *identity.ServiceNode) {
	reg := identity.NewRegistry(identity.Placement{}, rng.New("sender"))
	return reg.IdentityFor("frontend", "1.0.0"), reg.IdentityFor("cartservice", "0.3.0")
}

func TestOTelSenderResourcesAndNesting(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	s, err := NewOTel(context.Background(), logger.NewNop(), OTelConfig{}, WithSpanProcessor(rec))
	require.NoError(t, err)
	frontend, cart := services()

	ctx, root := s.StartSpan(context.Background(), frontend, "HTTP GET /", trace.SpanKindServer, attribute.Int64("request.id", 1))
	_, child := s.StartSpan(ctx, cart, "GetCart", trace.SpanKindServer)
	child.SetError("Cart service unavailable")
	child.Send()
	root.Send()
	require.NoError(t, s.Close(context.Background()))

	ended := rec.Ended()
	require.Len(t, ended, 2)
	c, r := ended[0], ended[1]

	assert.Equal(t, "GetCart", c.Name())
	assert.Equal(t, r.SpanContext().SpanID(), c.Parent().SpanID())
	assert.Equal(t, r.SpanContext().TraceID(), c.SpanContext().TraceID())
	assert.Equal(t, codes.Error, c.Status().Code)
	assert.Equal(t, "Cart service unavailable", c.Status().Description)
	assert.Equal(t, codes.Ok, r.Status().Code)
	assert.Equal(t, trace.SpanKindServer, r.SpanKind())
	assert.False(t, r.Parent().IsValid())

	rootSvc, ok := r.Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "frontend", rootSvc.AsString())
	childSvc, ok := c.Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "cartservice", childSvc.AsString())
	inst, ok := c.Resource().Set().Value("service.instance.id")
	require.True(t, ok)
	assert.Equal(t, cart.InstanceID, inst.AsString())
}

func TestOTelSenderUnknownProtocol(t *testing.T) {
	_, err := NewOTel(context.Background(), logger.NewNop(), OTelConfig{Protocol: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestPrintSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewPrint(logger.NewNop(), &buf, "print")
	frontend, cart := services()

	ctx, root := s.StartSpan(context.Background(), frontend, "HTTP GET /", trace.SpanKindServer, attribute.String("http.method", "GET"))
	_, child := s.StartSpan(ctx, cart, "GetCart", trace.SpanKindServer)
	child.SetError("boom")
	child.Send()
	root.Send()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "cartservice/GetCart")
	assert.Contains(t, lines[0], "ERROR(boom)")
	assert.Contains(t, lines[1], "frontend/HTTP GET /")
	assert.Contains(t, lines[1], "http.method=GET")
	assert.NoError(t, s.Close(context.Background()))
}

func TestDummySenderCounts(t *testing.T) {
	s := NewDummy(logger.NewNop())
	frontend, cart := services()
	for i := 0; i < 3; i++ {
		ctx, root := s.StartSpan(context.Background(), frontend, "root", trace.SpanKindServer)
		_, child := s.StartSpan(ctx, cart, "child", trace.SpanKindServer)
		if i == 0 {
			child.SetError("x")
		}
		child.Send()
		root.Send()
	}
	traces, spans, errs := s.Counts()
	assert.Equal(t, 3, traces)
	assert.Equal(t, 6, spans)
	assert.Equal(t, 1, errs)
}
