// Package simulator walks a compiled scenario graph and emits one trace per
// simulated request, applying whatever fault patterns are switched on.
package simulator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
	"github.com/wolfgangB33r/otel-demo-service/internal/patterns"
	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
	"github.com/wolfgangB33r/otel-demo-service/internal/scenario"
	"github.com/wolfgangB33r/otel-demo-service/internal/sender"
)

const DefaultProgressEvery = 10

// Simulator is single-threaded: one session runs at a time and the only
// state carried between sessions is the escalation counters.
type Simulator struct {
	graph    *scenario.Graph
	registry *identity.Registry
	sender   sender.Sender
	store    patterns.Store
	rng      *rng.Rng
	log      logger.Logger
	clock    clockwork.Clock

	escalation map[string]int64
}

type Option func(*Simulator)

// WithClock replaces the real clock used for latencies and pacing.
func WithClock(c clockwork.Clock) Option {
	return func(sim *Simulator) { sim.clock = c }
}

func New(graph *scenario.Graph, registry *identity.Registry, snd sender.Sender, store patterns.Store, r *rng.Rng, log logger.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		graph:      graph,
		registry:   registry,
		sender:     snd,
		store:      store,
		rng:        r,
		log:        log,
		clock:      clockwork.NewRealClock(),
		escalation: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarises one session.
type Result struct {
	Spans  int
	Errors int
}

// pause blocks for d or until ctx is done.
func (s *Simulator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(d):
	}
}

func (s *Simulator) sample(r scenario.Range) time.Duration {
	return s.rng.Duration(r.Min, r.Max)
}

// RunSession simulates one request through the graph under the given
// pattern state. The request id becomes the root span's `request.id`.
func (s *Simulator) RunSession(ctx context.Context, state patterns.State, requestID int64) Result {
	var res Result
	root := s.graph.Root
	s.visit(ctx, &res, state, root, root.Operation, root.Faults, nil,
		attribute.Int64("request.id", requestID))
	return res
}

// visit emits the span for node and, unless an error pattern fires, the
// spans of its downstream calls. The span ends after all of its children.
func (s *Simulator) visit(ctx context.Context, res *Result, state patterns.State, node *scenario.Node, name string, faults []*scenario.Pattern, edgeFields []scenario.Field, extra ...attribute.KeyValue) {
	svc := s.registry.IdentityFor(node.Service, node.Version)

	values := make(map[string]any, len(node.Attributes)+len(edgeFields))
	attrs := append([]attribute.KeyValue{}, extra...)
	for _, fields := range [][]scenario.Field{node.Attributes, edgeFields} {
		for _, f := range fields {
			v, kv := f.Draw(s.rng)
			values[f.Name] = v
			attrs = append(attrs, kv)
		}
	}

	ctx, span := s.sender.StartSpan(ctx, svc, name, node.Kind, attrs...)
	res.Spans++
	latency := s.sample(node.Latency)

	for _, p := range faults {
		if !state.Enabled(p.Name) {
			continue
		}
		switch p.Effect {
		case scenario.EffectLatency:
			latency += s.sample(p.Latency)
			s.setFields(span, values, p.Attributes)
		case scenario.EffectEscalate:
			s.escalation[p.Name]++
			n := s.escalation[p.Name]
			latency += time.Duration(n) * p.Step
			if p.Attribute != "" {
				span.SetAttributes(attribute.Int64(p.Attribute, n))
				values[p.Attribute] = n
			}
			s.setFields(span, values, p.Attributes)
		case scenario.EffectError:
			if !s.rng.Chance(p.Probability) {
				continue
			}
			span.SetAttributes(
				attribute.Bool("error", true),
				attribute.String("error.message", p.Message),
			)
			if p.StatusAttribute != "" {
				span.SetAttributes(attribute.Int64(p.StatusAttribute, p.StatusCode))
			}
			s.setFields(span, values, p.Attributes)
			span.SetError(p.Message)
			res.Errors++
			s.pause(ctx, s.sample(p.Delay))
			span.Send()
			return
		}
	}

	before := latency / 2
	s.pause(ctx, before)
	for _, e := range node.Edges {
		if !s.rng.Chance(e.Probability) {
			continue
		}
		if e.When != nil && !e.When.Holds(values) {
			continue
		}
		s.visit(ctx, res, state, e.To, e.SpanName(), e.Faults, e.Attributes)
	}
	s.pause(ctx, latency-before)
	span.Send()
}

func (s *Simulator) setFields(span sender.Span, values map[string]any, fields []scenario.Field) {
	for _, f := range fields {
		v, kv := f.Draw(s.rng)
		values[f.Name] = v
		span.SetAttributes(kv)
	}
}

// RunOptions bounds a Run. Zero values mean no bound.
type RunOptions struct {
	MaxSessions   int64
	RunTime       time.Duration
	ProgressEvery int64
}

// Run simulates sessions until ctx is done or a bound is reached, and
// returns the number of sessions run. The pattern state is re-read before
// every session; the pause after a session is 60s/rpm of the state that
// session used. Cancelling ctx cuts the pause short; a rate change does not.
func (s *Simulator) Run(ctx context.Context, opts RunOptions) int64 {
	if opts.RunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTime)
		defer cancel()
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}

	s.log.Info("starting scenario %s", s.graph.Name)
	var i int64
	var spans, errs int
	for ctx.Err() == nil {
		i++
		state := s.store.Load(ctx, s.graph.Name)
		res := s.RunSession(ctx, state, i)
		spans += res.Spans
		errs += res.Errors
		if i%every == 0 {
			s.log.Info("simulated %d sessions (%d spans, %d errors)... active patterns: %v | rpm: %d",
				i, spans, errs, state.Active(), state.RPM)
		}
		if opts.MaxSessions > 0 && i >= opts.MaxSessions {
			break
		}
		s.pause(ctx, state.Interval())
	}
	s.log.Info("scenario %s stopped after %d sessions", s.graph.Name, i)
	return i
}
