package sender

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
)

func ft(ts time.Time) string {
	return ts.Format("15:04:05.000")
}

type traceInfo struct {
	TraceId  string
	SpanId   string
	ParentId string
}

type printKey struct{}

// Print writes one line per completed span. It is meant for eyeballing a
// scenario without a collector.
type Print struct {
	mut        sync.Mutex
	out        io.Writer
	rng        *rng.Rng
	tracecount int
	nspans     int
	log        logger.Logger
}

var _ Sender = (*Print)(nil)

func NewPrint(log logger.Logger, out io.Writer, seed string) *Print {
	return &Print{out: out, rng: rng.New(seed), log: log}
}

func (t *Print) newID(n int) string {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.rng.HexString(n)
}

func (t *Print) StartSpan(ctx context.Context, svc *identity.ServiceNode, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, Span) {
	var tinfo *traceInfo
	if parent, ok := ctx.Value(printKey{}).(*traceInfo); ok {
		tinfo = &traceInfo{TraceId: parent.TraceId, SpanId: t.newID(8), ParentId: parent.SpanId}
	} else {
		tinfo = &traceInfo{TraceId: t.newID(12), SpanId: t.newID(8)}
		t.mut.Lock()
		t.tracecount++
		t.mut.Unlock()
	}
	t.mut.Lock()
	t.nspans++
	t.mut.Unlock()

	ps := &printSpan{
		sender:    t,
		tinfo:     tinfo,
		service:   svc.Name,
		name:      name,
		kind:      kind,
		startTime: time.Now(),
		fields:    make(map[string]string),
	}
	ps.SetAttributes(attrs...)
	return context.WithValue(ctx, printKey{}, tinfo), ps
}

func (t *Print) write(line string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	fmt.Fprintln(t.out, line)
}

func (t *Print) Flush(ctx context.Context) error {
	return nil
}

func (t *Print) Close(ctx context.Context) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.log.Info("sender sent %d traces with %d spans", t.tracecount, t.nspans)
	return nil
}

type printSpan struct {
	sender    *Print
	tinfo     *traceInfo
	service   string
	name      string
	kind      trace.SpanKind
	startTime time.Time
	fields    map[string]string
	errMsg    string
}

func (s *printSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.fields[string(a.Key)] = a.Value.Emit()
	}
}

func (s *printSpan) SetError(msg string) {
	s.errMsg = msg
}

func (s *printSpan) Send() {
	endTime := time.Now()
	keys := make([]string, 0, len(s.fields))
	for k := range s.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, s.fields[k])
	}
	status := "OK"
	if s.errMsg != "" {
		status = "ERROR(" + s.errMsg + ")"
	}
	s.sender.write(fmt.Sprintf("%s %s/%s - T:%s S:%s P:%-8s start:%v end:%v %s%s",
		s.kind, s.service, s.name, s.tinfo.TraceId, s.tinfo.SpanId, s.tinfo.ParentId,
		ft(s.startTime), ft(endTime), status, b.String()))
}
