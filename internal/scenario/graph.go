package scenario

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/looplab/tarjan"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
)

// Effect is what an enabled pattern does to a span.
type Effect string

const (
	EffectLatency  Effect = "latency"
	EffectError    Effect = "error"
	EffectEscalate Effect = "escalate"
)

const DefaultStatusAttribute = "rpc.grpc.status_code"

// Pattern is a named fault that can be switched on at runtime.
type Pattern struct {
	Name        string
	Description string
	Effect      Effect
	// Latency is added by latency patterns.
	Latency Range
	// Probability that an error pattern fails the span.
	Probability float64
	// Delay is spent on a failed span before it ends.
	Delay   Range
	Message string
	// StatusAttribute is empty when the pattern sets no status code.
	StatusAttribute string
	StatusCode      int64
	// Step is the extra latency per session for escalate patterns.
	Step time.Duration
	// Attribute receives the escalation counter.
	Attribute  string
	Attributes []Field

	// index is the declaration order; faults apply in this order.
	index int
}

// Condition gates an edge on a boolean attribute of the caller span.
type Condition struct {
	Attribute string
	Negate    bool
}

func (c *Condition) String() string {
	if c.Negate {
		return "!" + c.Attribute
	}
	return c.Attribute
}

// Holds reports whether the condition is met by the caller's attributes.
// A missing or non-boolean attribute counts as false.
func (c *Condition) Holds(attrs map[string]any) bool {
	v, _ := attrs[c.Attribute].(bool)
	return v != c.Negate
}

type Node struct {
	Name       string
	Service    string
	Version    string
	Operation  string
	Kind       trace.SpanKind
	Latency    Range
	Attributes []Field
	Faults     []*Pattern
	Edges      []*Edge
}

// Edge is one downstream call. Faults holds the union of the callee's and the
// edge's own patterns, in scenario order.
type Edge struct {
	From        *Node
	To          *Node
	Operation   string
	Probability float64
	When        *Condition
	Attributes  []Field
	Faults      []*Pattern
}

// SpanName is the operation used for the callee's span.
func (e *Edge) SpanName() string {
	if e.Operation != "" {
		return e.Operation
	}
	return e.To.Operation
}

// Graph is a compiled scenario. It is never mutated after Compile.
type Graph struct {
	Name        string
	Description string
	Placement   identity.Placement
	Root        *Node
	Nodes       []*Node
	Patterns    []*Pattern

	patterns map[string]*Pattern
}

func (g *Graph) Pattern(name string) (*Pattern, bool) {
	p, ok := g.patterns[name]
	return p, ok
}

// PatternNames returns pattern names in declaration order.
func (g *Graph) PatternNames() []string {
	names := make([]string, len(g.Patterns))
	for i, p := range g.Patterns {
		names[i] = p.Name
	}
	return names
}

func parseKind(kind string) (trace.SpanKind, error) {
	switch strings.ToLower(kind) {
	case "", "server":
		return trace.SpanKindServer, nil
	case "client":
		return trace.SpanKindClient, nil
	case "internal":
		return trace.SpanKindInternal, nil
	case "producer":
		return trace.SpanKindProducer, nil
	case "consumer":
		return trace.SpanKindConsumer, nil
	default:
		return trace.SpanKindUnspecified, fmt.Errorf("unknown span kind %q", kind)
	}
}

func checkProbability(p *float64, what string) (float64, error) {
	if p == nil {
		return 1, nil
	}
	if *p < 0 || *p > 1 {
		return 0, fmt.Errorf("%s: probability %v is outside [0, 1]", what, *p)
	}
	return *p, nil
}

func compilePattern(def PatternDef, index int) (*Pattern, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("pattern %d has no name", index)
	}
	if def.Name == "rpm" {
		return nil, fmt.Errorf("pattern name %q is reserved", def.Name)
	}
	p := &Pattern{
		Name:        def.Name,
		Description: def.Description,
		Effect:      Effect(def.Effect),
		Latency:     def.Latency,
		Delay:       def.Delay,
		Message:     def.Message,
		Step:        def.Step,
		Attribute:   def.Attribute,
		index:       index,
	}
	var err error
	if p.Probability, err = checkProbability(def.Probability, "pattern "+def.Name); err != nil {
		return nil, err
	}
	if def.StatusCode != nil {
		p.StatusCode = *def.StatusCode
		p.StatusAttribute = def.StatusAttribute
		if p.StatusAttribute == "" {
			p.StatusAttribute = DefaultStatusAttribute
		}
	}
	switch p.Effect {
	case EffectLatency:
		if p.Latency.IsZero() {
			return nil, fmt.Errorf("latency pattern %s needs a latency", p.Name)
		}
	case EffectError:
		if p.Message == "" {
			p.Message = p.Name
		}
	case EffectEscalate:
		if p.Step <= 0 {
			return nil, fmt.Errorf("escalate pattern %s needs a positive step", p.Name)
		}
	default:
		return nil, fmt.Errorf("pattern %s has unknown effect %q", p.Name, def.Effect)
	}
	if p.Attributes, err = parseFields(def.Attributes); err != nil {
		return nil, fmt.Errorf("pattern %s: %w", p.Name, err)
	}
	return p, nil
}

// Compile validates a definition and builds its Graph. It fails if the root
// or an edge endpoint is unknown, a fault names an undeclared pattern, a
// declared pattern is attached to nothing, a probability is outside [0, 1],
// or the edges form a cycle.
func Compile(def *Definition) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("scenario %s: %w", def.Name, errEmpty)
	}
	g := &Graph{
		Name:        def.Name,
		Description: def.Description,
		Placement:   def.Placement,
		patterns:    make(map[string]*Pattern, len(def.Patterns)),
	}
	fail := func(err error) (*Graph, error) {
		return nil, fmt.Errorf("scenario %s: %w", def.Name, err)
	}

	for i, pd := range def.Patterns {
		p, err := compilePattern(pd, i)
		if err != nil {
			return fail(err)
		}
		if _, dup := g.patterns[p.Name]; dup {
			return fail(fmt.Errorf("pattern %s declared twice", p.Name))
		}
		g.patterns[p.Name] = p
		g.Patterns = append(g.Patterns, p)
	}
	attached := make(map[*Pattern]bool, len(g.Patterns))
	faults := func(names []string, owner string) ([]*Pattern, error) {
		var out []*Pattern
		for _, name := range names {
			p, ok := g.patterns[name]
			if !ok {
				return nil, fmt.Errorf("%s refers to unknown pattern %s", owner, name)
			}
			attached[p] = true
			out = append(out, p)
		}
		return out, nil
	}

	nodes := make(map[string]*Node, len(def.Nodes))
	for _, nd := range def.Nodes {
		if nd.Name == "" {
			return fail(fmt.Errorf("a node has no name"))
		}
		if _, dup := nodes[nd.Name]; dup {
			return fail(fmt.Errorf("node %s declared twice", nd.Name))
		}
		kind, err := parseKind(nd.Kind)
		if err != nil {
			return fail(fmt.Errorf("node %s: %w", nd.Name, err))
		}
		n := &Node{
			Name:      nd.Name,
			Service:   nd.Service,
			Version:   nd.Version,
			Operation: nd.Operation,
			Kind:      kind,
			Latency:   nd.Latency,
		}
		if n.Service == "" {
			n.Service = nd.Name
		}
		if n.Operation == "" {
			n.Operation = nd.Name
		}
		if n.Attributes, err = parseFields(nd.Attributes); err != nil {
			return fail(fmt.Errorf("node %s: %w", nd.Name, err))
		}
		if n.Faults, err = faults(nd.Faults, "node "+nd.Name); err != nil {
			return fail(err)
		}
		nodes[nd.Name] = n
		g.Nodes = append(g.Nodes, n)
	}

	root := def.Root
	if root == "" {
		root = def.Nodes[0].Name
	}
	var ok bool
	if g.Root, ok = nodes[root]; !ok {
		return fail(fmt.Errorf("root node %s is not declared", root))
	}

	edges := make(map[interface{}][]interface{})
	for _, ed := range def.Edges {
		from, ok := nodes[ed.From]
		if !ok {
			return fail(fmt.Errorf("edge %s -> %s: unknown caller %s", ed.From, ed.To, ed.From))
		}
		to, ok := nodes[ed.To]
		if !ok {
			return fail(fmt.Errorf("edge %s -> %s: unknown callee %s", ed.From, ed.To, ed.To))
		}
		if from == to {
			return fail(fmt.Errorf("node %s calls itself", from.Name))
		}
		what := fmt.Sprintf("edge %s -> %s", ed.From, ed.To)
		e := &Edge{From: from, To: to, Operation: ed.Operation}
		var err error
		if e.Probability, err = checkProbability(ed.Probability, what); err != nil {
			return fail(err)
		}
		if ed.When != "" {
			e.When = &Condition{Attribute: strings.TrimPrefix(ed.When, "!"), Negate: strings.HasPrefix(ed.When, "!")}
			if e.When.Attribute == "" {
				return fail(fmt.Errorf("%s: empty condition", what))
			}
		}
		if e.Attributes, err = parseFields(ed.Attributes); err != nil {
			return fail(fmt.Errorf("%s: %w", what, err))
		}
		own, err := faults(ed.Faults, what)
		if err != nil {
			return fail(err)
		}
		e.Faults = mergeFaults(to.Faults, own)
		from.Edges = append(from.Edges, e)
		edges[from.Name] = append(edges[from.Name], to.Name)
	}

	for _, p := range g.Patterns {
		if !attached[p] {
			return fail(fmt.Errorf("pattern %s is not attached to any node or edge", p.Name))
		}
	}

	for _, group := range tarjan.Connections(edges) {
		if len(group) > 1 {
			names := make([]string, 0, len(group)+1)
			for i := range group {
				names = append(names, group[len(group)-i-1].(string))
			}
			names = append(names, group[len(group)-1].(string))
			return fail(fmt.Errorf("cycle detected in call graph: %s", strings.Join(names, " -> ")))
		}
	}
	return g, nil
}

// mergeFaults returns the union of a and b ordered by pattern index.
func mergeFaults(a, b []*Pattern) []*Pattern {
	seen := make(map[*Pattern]bool, len(a)+len(b))
	var out []*Pattern
	for _, p := range append(append([]*Pattern{}, a...), b...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
